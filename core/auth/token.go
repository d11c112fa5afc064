package auth

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Defaults of the persisted credential locations.
const (
	DefaultTokenKey       = "token"
	DefaultLegacyTokenKey = "accessToken"
	DefaultCookieName     = "token"
	DefaultCookieMaxAge   = 7 * 24 * time.Hour
)

type TokenStoreOptions struct {
	Key string
	// LegacyKey mirrors the credential under the historical storage key. Empty disables mirroring.
	LegacyKey  string
	CookieName string
	MaxAge     time.Duration
}

func (opts *TokenStoreOptions) setDefaults() {
	if opts.Key == "" {
		opts.Key = DefaultTokenKey
	}
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultCookieMaxAge
	}
}

// TokenStore is the single repository of the credential. Every location (durable keys and cookie)
// is written and cleared together so they never disagree.
type TokenStore struct {
	storage Storage
	cookies CookieJar
	opts    TokenStoreOptions
}

func NewTokenStore(storage Storage, cookies CookieJar, opts TokenStoreOptions) *TokenStore {
	opts.setDefaults()
	return &TokenStore{storage: storage, cookies: cookies, opts: opts}
}

func (ts *TokenStore) keys() []string {
	if ts.opts.LegacyKey == "" || ts.opts.LegacyKey == ts.opts.Key {
		return []string{ts.opts.Key}
	}
	return []string{ts.opts.Key, ts.opts.LegacyKey}
}

// Set writes token to every location. All locations are attempted; the first failure is returned.
func (ts *TokenStore) Set(ctx context.Context, token string) error {
	var firstErr error
	keep := func(err error, msg string) {
		if err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, msg)
		}
	}
	for _, key := range ts.keys() {
		keep(ts.storage.Set(ctx, key, token), "storing token under "+key)
	}
	if ts.cookies != nil {
		keep(ts.cookies.SetCookie(ts.opts.CookieName, token, ts.opts.MaxAge), "setting token cookie")
	}
	return firstErr
}

// Get returns the first credential found in durable storage, then in the cookie.
func (ts *TokenStore) Get(ctx context.Context) (string, bool) {
	for _, key := range ts.keys() {
		if token, err := ts.storage.Get(ctx, key); err == nil && token != "" {
			return token, true
		}
	}
	if ts.cookies != nil {
		if token, ok := ts.cookies.Cookie(ts.opts.CookieName); ok && token != "" {
			return token, true
		}
	}
	return "", false
}

// Clear removes the credential from every location. It is a no-op on an empty store.
func (ts *TokenStore) Clear(ctx context.Context) error {
	var firstErr error
	for _, key := range ts.keys() {
		if err := ts.storage.Delete(ctx, key); err != nil && errors.Cause(err) != ErrKeyNotFound && firstErr == nil {
			firstErr = errors.Wrap(err, "deleting "+key)
		}
	}
	if ts.cookies != nil {
		if err := ts.cookies.ClearCookie(ts.opts.CookieName); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "clearing token cookie")
		}
	}
	return firstErr
}

// Usable reports whether a credential is stored and not known to be expired.
func (ts *TokenStore) Usable(ctx context.Context, now time.Time) (string, bool) {
	token, ok := ts.Get(ctx)
	if !ok || Expired(token, now) {
		return "", false
	}
	return token, true
}
