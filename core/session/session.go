package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/auth"
	"github.com/trezcool/masomo-portal/core/query"
	"github.com/trezcool/masomo-portal/core/user"
)

// Defaults
const (
	DefaultProfileKey = "userProfile"
	DefaultLoginPath  = "/auth/login"
)

var (
	// ProfileQuery is the cache key of the current user's profile.
	ProfileQuery = query.NewKey("profile", "", nil)

	ErrNoProfile = errors.New("no profile loaded")
)

// State of the session.
type State int

const (
	StateAnonymous State = iota
	StatePendingProfile
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StatePendingProfile:
		return "pendingProfile"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

type (
	// ProfileFetcher loads the profile of the user identified by token.
	ProfileFetcher interface {
		Profile(ctx context.Context, token string) (user.Profile, error)
	}

	// Navigator moves the user to another page.
	Navigator interface {
		Navigate(path string)
	}

	NavigatorFunc func(path string)
)

func (f NavigatorFunc) Navigate(path string) { f(path) }

type Deps struct {
	Tokens    *auth.TokenStore
	Storage   auth.Storage // profile snapshot
	Cache     *query.Cache
	Profiles  ProfileFetcher
	Navigator Navigator // optional
	Logger    core.Logger
}

type Options struct {
	// Trust is core.TrustCached or core.TrustVerified.
	Trust       string
	ProfileKey  string
	PublicPaths []string
	LoginPath   string
}

// Snapshot is a consistent read of the session state.
type Snapshot struct {
	User             *user.Info
	Profile          *user.Profile
	IsAuthenticated  bool
	IsLoadingProfile bool
	HasCredential    bool
	// ProfileSettled is true when no profile fetch is in flight.
	ProfileSettled bool
	State          State
}

// Role returns the role of the loaded profile, or of the user payload.
func (s Snapshot) Role() user.Role {
	switch {
	case s.Profile != nil:
		return s.Profile.Role
	case s.User != nil:
		return s.User.Role
	}
	return ""
}

// Session holds the authentication state of one client: the credential, the user payload
// of the last login and the profile. It is constructed explicitly; tests build as many as they need.
type Session struct {
	deps Deps
	opts Options

	mu       sync.RWMutex
	user     *user.Info
	profile  *user.Profile
	verified bool
	hasCred  bool
	loading  bool
	inflight bool
	hydrated bool
	gen      uint64
	// local edits made while a fetch is in flight, re-applied on top of its result
	pending []user.ProfileUpdate
	done     chan struct{}

	wg sync.WaitGroup
}

func New(deps Deps, opts Options) *Session {
	if opts.Trust == "" {
		opts.Trust = core.TrustCached
	}
	if opts.ProfileKey == "" {
		opts.ProfileKey = DefaultProfileKey
	}
	if opts.LoginPath == "" {
		opts.LoginPath = DefaultLoginPath
	}
	done := make(chan struct{})
	close(done)
	return &Session{deps: deps, opts: opts, done: done}
}

func (s *Session) Options() Options { return s.opts }

// IsPublic reports whether path is one of the public auth paths.
func (s *Session) IsPublic(path string) bool {
	for _, p := range s.opts.PublicPaths {
		if core.HasPathPrefix(path, p) {
			return true
		}
	}
	return false
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot()
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		IsLoadingProfile: s.loading,
		HasCredential:    s.hasCred,
		ProfileSettled:   !s.inflight,
	}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	if s.profile != nil {
		p := *s.profile
		snap.Profile = &p
	}

	if s.opts.Trust == core.TrustVerified {
		snap.IsAuthenticated = s.verified && s.profile != nil
	} else {
		snap.IsAuthenticated = s.user != nil || s.profile != nil
	}

	switch {
	case snap.IsAuthenticated && s.profile != nil:
		snap.State = StateAuthenticated
	case s.inflight || s.user != nil:
		snap.State = StatePendingProfile
	case snap.IsAuthenticated:
		snap.State = StateAuthenticated
	default:
		snap.State = StateAnonymous
	}
	return snap
}

func (s *Session) State() State { return s.Snapshot().State }

func (s *Session) IsAuthenticated() bool { return s.Snapshot().IsAuthenticated }

// Token returns the stored credential.
func (s *Session) Token(ctx context.Context) (string, bool) {
	return s.deps.Tokens.Get(ctx)
}

// Hydrate seeds the profile from the durable snapshot (once), then reconciles it with the
// network when a credential is stored and path is not public.
func (s *Session) Hydrate(ctx context.Context, path string) {
	_, hasCred := s.deps.Tokens.Get(ctx)

	s.mu.Lock()
	if !s.hydrated {
		s.hydrated = true
		if p, ok := s.readSnapshot(ctx); ok && s.profile == nil {
			s.profile = &p
		}
	}
	s.hasCred = hasCred
	s.mu.Unlock()

	if hasCred && !s.IsPublic(path) {
		s.fetch(false)
	}
}

// Login stores the credential and the user payload, then fetches the profile in the background.
// A failed fetch does not roll back the credential here; it purges the session once it settles.
func (s *Session) Login(ctx context.Context, info user.Info, token string) error {
	err := s.deps.Tokens.Set(ctx, token)
	if err != nil {
		s.warn("storing credential", err)
	}

	s.mu.Lock()
	s.user = &info
	s.profile = nil
	s.verified = false
	s.hasCred = true
	s.hydrated = true
	s.mu.Unlock()

	s.fetch(true)
	return err
}

// FetchUserProfile refetches the profile; IsLoadingProfile is true until it settles.
func (s *Session) FetchUserProfile(ctx context.Context) {
	_, hasCred := s.deps.Tokens.Get(ctx)
	s.mu.Lock()
	s.hasCred = hasCred
	s.mu.Unlock()
	s.fetch(true)
}

// Wait blocks until the profile fetch in flight (if any) settles, or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fetch starts a profile fetch unless one is already in flight. A forced fetch
// invalidates the cached profile first.
func (s *Session) fetch(force bool) {
	s.mu.Lock()
	if s.inflight && !force {
		s.mu.Unlock()
		return
	}
	if force {
		s.deps.Cache.Invalidate(query.Invalidation{Scope: ProfileQuery.Scope})
	}
	s.gen++
	gen := s.gen
	s.inflight = true
	s.pending = nil
	s.loading = force || s.profile == nil
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.settle(gen, s.loadProfile())
	}()
}

func (s *Session) loadProfile() query.Result[user.Profile] {
	ctx := context.Background()
	token, ok := s.deps.Tokens.Get(ctx)
	return query.Fetch(ctx, s.deps.Cache, ProfileQuery, func(ctx context.Context) (user.Profile, error) {
		return s.deps.Profiles.Profile(ctx, token)
	}, query.Enabled(ok))
}

func (s *Session) settle(gen uint64, r query.Result[user.Profile]) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.inflight = false
	s.loading = false

	switch {
	case r.Err != nil:
		// the credential is orphaned: purge it rather than loading forever
		s.reset()
		s.mu.Unlock()
		s.warn("profile fetch failed, clearing credential", r.Err)
		s.purgeStorage(context.Background())
		s.deps.Cache.Remove(ProfileQuery)
		return
	case r.HasData():
		p := r.Data
		pending := s.pending
		s.pending = nil
		for _, pu := range pending {
			p = p.Merge(pu)
		}
		s.profile = &p
		s.verified = true
		s.mu.Unlock()
		if len(pending) > 0 {
			s.deps.Cache.SetData(ProfileQuery, p)
		}
		s.writeSnapshot(context.Background(), p)
		return
	}
	s.mu.Unlock()
}

// reset must be called with the lock held.
func (s *Session) reset() {
	s.gen++
	s.user = nil
	s.profile = nil
	s.verified = false
	s.hasCred = false
	s.loading = false
	s.inflight = false
	s.pending = nil
}

func (s *Session) purgeStorage(ctx context.Context) error {
	err := s.deps.Tokens.Clear(ctx)
	if dErr := s.deps.Storage.Delete(ctx, s.opts.ProfileKey); dErr != nil && errors.Cause(dErr) != auth.ErrKeyNotFound && err == nil {
		err = errors.Wrap(dErr, "deleting profile snapshot")
	}
	return err
}

// Purge drops the credential, the user, the profile and every cached query. It does not navigate.
func (s *Session) Purge(ctx context.Context) error {
	s.mu.Lock()
	s.reset()
	done := make(chan struct{})
	close(done)
	s.done = done
	s.mu.Unlock()

	err := s.purgeStorage(ctx)
	s.deps.Cache.Clear()
	return err
}

// Logout purges the session then navigates to the sign-in route. It is idempotent.
func (s *Session) Logout(ctx context.Context) error {
	err := s.Purge(ctx)
	if err != nil {
		s.warn("logging out", err)
	}
	if s.deps.Navigator != nil {
		s.deps.Navigator.Navigate(s.opts.LoginPath)
	}
	return err
}

// UpdateUserProfile merges pu into the profile, its durable snapshot and the cached profile query.
// It never calls the API.
func (s *Session) UpdateUserProfile(ctx context.Context, pu user.ProfileUpdate) (user.Profile, error) {
	s.mu.Lock()
	if s.profile == nil {
		s.mu.Unlock()
		return user.Profile{}, ErrNoProfile
	}
	p := s.profile.Merge(pu)
	s.profile = &p
	if s.inflight {
		s.pending = append(s.pending, pu)
	}
	s.mu.Unlock()

	s.deps.Cache.SetData(ProfileQuery, p)
	return p, s.writeSnapshot(ctx, p)
}

// Close waits for background fetches; their results are dropped.
func (s *Session) Close() {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Session) readSnapshot(ctx context.Context) (user.Profile, bool) {
	raw, err := s.deps.Storage.Get(ctx, s.opts.ProfileKey)
	if err != nil || raw == "" {
		return user.Profile{}, false
	}
	var p user.Profile
	if err = json.Unmarshal([]byte(raw), &p); err != nil {
		s.warn("decoding profile snapshot", err)
		return user.Profile{}, false
	}
	return p, true
}

func (s *Session) writeSnapshot(ctx context.Context, p user.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encoding profile snapshot")
	}
	if err = s.deps.Storage.Set(ctx, s.opts.ProfileKey, string(data)); err != nil {
		s.warn("storing profile snapshot", err)
		return errors.Wrap(err, "storing profile snapshot")
	}
	return nil
}

func (s *Session) warn(msg string, err error) {
	if s.deps.Logger != nil {
		s.deps.Logger.Warn(msg, err)
	}
}
