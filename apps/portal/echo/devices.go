package echoportal

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-portal/core/auth"
	"github.com/trezcool/masomo-portal/core/mutation"
	"github.com/trezcool/masomo-portal/core/query"
	"github.com/trezcool/masomo-portal/core/resource"
	"github.com/trezcool/masomo-portal/core/session"
	inmemdb "github.com/trezcool/masomo-portal/storage/database/inmem"
)

const (
	ctxDevice       = "device"
	ctxCookieSess   = "cookieSession"
	deviceIDValue   = "id"
	flashNotice     = "notice"
	flashError      = "error"
	deviceCookieAge = 365 * 24 * time.Hour
	forgetTimeout   = 5 * time.Second
)

var errNoDevice = errors.New("device not found in echo.Context")

// device is the server-side state of one browser: its durable storage namespace,
// its view of the credential cookie, its query cache and its session.
type device struct {
	id        string
	storage   auth.Storage
	cookies   *inmemdb.Cookies
	tokens    *auth.TokenStore
	cache     *query.Cache
	resources *resource.Client
	session   *session.Session

	lastSeen atomic.Int64
}

func devicePrefix(id string) string { return "dev:" + id + ":" }

func (s *Server) newDevice(id string) *device {
	conf := s.deps.Conf
	storage := auth.Prefixed(s.deps.Storage, devicePrefix(id))
	cookies := inmemdb.NewCookies()
	tokens := auth.NewTokenStore(storage, cookies, auth.TokenStoreOptions{
		Key:        conf.Portal.TokenKey,
		LegacyKey:  conf.Portal.LegacyTokenKey,
		CookieName: conf.Portal.CookieName,
		MaxAge:     conf.Portal.CookieMaxAge,
	})

	cache := query.New(query.Options{
		StaleTime: conf.Query.StaleTime,
		GCTime:    conf.Query.GCTime,
		Metrics:   s.metrics,
		Logger:    s.deps.Logger,
	})
	cache.Start()

	api := s.deps.API.WithTokens(tokens)
	pipeline := mutation.NewPipeline(cache, s.deps.Logger)

	return &device{
		id:        id,
		storage:   storage,
		cookies:   cookies,
		tokens:    tokens,
		cache:     cache,
		resources: resource.NewClient(api, pipeline, s.deps.Validate),
		session: session.New(
			session.Deps{
				Tokens:   tokens,
				Storage:  storage,
				Cache:    cache,
				Profiles: api,
				Logger:   s.deps.Logger,
			},
			session.Options{
				Trust:       conf.Session.Trust,
				ProfileKey:  conf.Portal.ProfileKey,
				PublicPaths: conf.Portal.PublicPaths,
				LoginPath:   conf.Portal.LoginPath,
			},
		),
	}
}

func (d *device) close() {
	d.session.Close()
	d.cache.Stop()
}

// dropStorage deletes the device namespace from durable storage.
func (s *Server) dropStorage(ctx context.Context, id string) {
	n, err := s.deps.Storage.DeletePrefix(ctx, devicePrefix(id))
	if err != nil {
		s.deps.Logger.Warn("dropping device storage", err, id)
		return
	}
	if n > 0 {
		s.deps.Logger.Debug("dropped device storage", id, n)
	}
}

// forgetDevice runs once an idle device is evicted. Without a credential there is nothing
// to resume, so its namespace goes too.
func (s *Server) forgetDevice(dev *device) {
	ctx, cancel := context.WithTimeout(context.Background(), forgetTimeout)
	defer cancel()
	if _, ok := dev.tokens.Get(ctx); ok {
		return
	}
	if _, back := s.devices.peek(dev.id); back {
		return
	}
	s.dropStorage(ctx, dev.id)
}

// devices keeps the live devices in memory. Idle ones are evicted; their durable storage stays
// unless forget drops it.
type devices struct {
	mutex   sync.Mutex
	m       map[string]*device
	create  func(id string) *device
	forget  func(dev *device) // after eviction, optional
	idleTTL time.Duration
	nowFunc func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newDevices(create func(string) *device, forget func(*device), idleTTL time.Duration) *devices {
	return &devices{
		m:       make(map[string]*device),
		create:  create,
		forget:  forget,
		idleTTL: idleTTL,
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
}

// get returns the device id, creating it on first sight.
func (r *devices) get(id string) *device {
	r.mutex.Lock()
	dev, ok := r.m[id]
	if !ok {
		dev = r.create(id)
		r.m[id] = dev
	}
	r.mutex.Unlock()
	dev.lastSeen.Store(r.nowFunc().UnixNano())
	return dev
}

// peek returns the device id without creating it.
func (r *devices) peek(id string) (*device, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	dev, ok := r.m[id]
	return dev, ok
}

func (r *devices) len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.m)
}

// sweep evicts the devices idle for longer than idleTTL.
func (r *devices) sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}
	deadline := r.nowFunc().Add(-r.idleTTL).UnixNano()

	var idle []*device
	r.mutex.Lock()
	for id, dev := range r.m {
		if dev.lastSeen.Load() < deadline {
			idle = append(idle, dev)
			delete(r.m, id)
		}
	}
	r.mutex.Unlock()

	for _, dev := range idle {
		dev.close()
		if r.forget != nil {
			r.forget(dev)
		}
	}
	return len(idle)
}

func (r *devices) start() {
	if r.idleTTL <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.idleTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// close stops the sweeper and releases every device.
func (r *devices) close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()

	r.mutex.Lock()
	all := make([]*device, 0, len(r.m))
	for id, dev := range r.m {
		all = append(all, dev)
		delete(r.m, id)
	}
	r.mutex.Unlock()

	for _, dev := range all {
		dev.close()
	}
}

// Middleware

// deviceMiddleware attaches the device of the browser to the context. The device id lives in a
// signed cookie session, which also carries the flash messages.
func (s *Server) deviceMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		req := ctx.Request()
		cs, err := s.cookieStore.Get(req, s.deps.Conf.Portal.DeviceCookie)
		if err != nil {
			// tampered or signed with an old secret: start over
			s.deps.Logger.Debug("discarding device cookie", err)
		}
		id, _ := cs.Values[deviceIDValue].(string)
		if _, err = uuid.Parse(id); err != nil {
			id = uuid.New().String()
			cs.Values[deviceIDValue] = id
		}

		dev := s.devices.get(id)
		s.syncCredentialCookie(ctx, dev)

		ctx.Response().Before(func() {
			if err := cs.Save(req, ctx.Response()); err != nil {
				s.deps.Logger.Error("saving device cookie", err)
			}
		})

		ctx.Set(ctxDevice, dev)
		ctx.Set(ctxCookieSess, cs)
		return next(ctx)
	}
}

// syncCredentialCookie mirrors the browser's credential cookie into the device jar, and writes
// back whatever the request changed in the jar before the response goes out.
func (s *Server) syncCredentialCookie(ctx echo.Context, dev *device) {
	name := s.deps.Conf.Portal.CookieName
	var before string
	if ck, err := ctx.Cookie(name); err == nil && ck.Value != "" {
		before = ck.Value
		_ = dev.cookies.SetCookie(name, ck.Value, 0)
	} else {
		_ = dev.cookies.ClearCookie(name)
	}

	ctx.Response().Before(func() {
		after, _ := dev.cookies.Cookie(name)
		if after == before {
			return
		}
		ck := &http.Cookie{
			Name:     name,
			Value:    after,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		}
		if after == "" {
			ck.MaxAge = -1
		} else if exp := dev.cookies.Expires(name); !exp.IsZero() {
			ck.Expires = exp
			ck.MaxAge = int(time.Until(exp).Seconds())
		}
		http.SetCookie(ctx.Response(), ck)
	})
}

func getDevice(ctx echo.Context) (*device, error) {
	if dev, ok := ctx.Get(ctxDevice).(*device); ok {
		return dev, nil
	}
	return nil, errNoDevice
}

// peekDevice finds the device of a request outside the device middleware (API passthrough).
func (s *Server) peekDevice(req *http.Request) (*device, bool) {
	cs, err := s.cookieStore.Get(req, s.deps.Conf.Portal.DeviceCookie)
	if err != nil {
		return nil, false
	}
	id, _ := cs.Values[deviceIDValue].(string)
	if id == "" {
		return nil, false
	}
	return s.devices.peek(id)
}

func addFlash(ctx echo.Context, kind, msg string) {
	if cs, ok := ctx.Get(ctxCookieSess).(*sessions.Session); ok && msg != "" {
		cs.AddFlash(msg, kind)
	}
}

func popFlashes(ctx echo.Context, kind string) []string {
	cs, ok := ctx.Get(ctxCookieSess).(*sessions.Session)
	if !ok {
		return nil
	}
	var msgs []string
	for _, f := range cs.Flashes(kind) {
		if msg, ok := f.(string); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func newCookieStore(secret string, secure bool) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(deviceCookieAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}
