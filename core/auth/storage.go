package auth

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrKeyNotFound = errors.New("key not found")

type (
	// Storage is a durable key/value store (the portal's "local storage").
	Storage interface {
		Get(ctx context.Context, key string) (string, error)
		Set(ctx context.Context, key, value string) error
		Delete(ctx context.Context, key string) error
	}

	// CookieJar holds the transport-visible credential cookie.
	CookieJar interface {
		Cookie(name string) (string, bool)
		SetCookie(name, value string, maxAge time.Duration) error
		ClearCookie(name string) error
	}
)

type prefixed struct {
	storage Storage
	prefix  string
}

// Prefixed namespaces every key of storage with prefix.
func Prefixed(storage Storage, prefix string) Storage {
	return &prefixed{storage: storage, prefix: prefix}
}

func (p *prefixed) Get(ctx context.Context, key string) (string, error) {
	return p.storage.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key, value string) error {
	return p.storage.Set(ctx, p.prefix+key, value)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.storage.Delete(ctx, p.prefix+key)
}
