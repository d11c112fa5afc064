package query

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/trezcool/masomo-portal/core"
)

// Defaults
const (
	DefaultStaleTime = 10 * time.Second
	DefaultGCTime    = 5 * time.Minute
	defaultShards    = 16
)

// Fetcher loads the data of a key from the remote API.
type Fetcher func(ctx context.Context) (interface{}, error)

type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "idle"
	}
}

// Result is what a consumer of a query observes.
type Result[T any] struct {
	Data          T
	Err           error
	Status        Status
	UpdatedAt     time.Time
	IsStale       bool
	IsFetching    bool
	IsPlaceholder bool
}

func (r Result[T]) HasData() bool {
	return r.Status == StatusSuccess || !r.UpdatedAt.IsZero()
}

type Options struct {
	StaleTime time.Duration
	GCTime    time.Duration
	Shards    int
	Metrics   *Metrics
	Logger    core.Logger
	NowFunc   func() time.Time
}

type queryOpts struct {
	enabled     bool
	staleTime   time.Duration
	prevKey     *Key
	placeholder interface{}
}

// Option customises a single Query call.
type Option func(*queryOpts)

// Enabled gates the fetch: a disabled query only returns what is already cached.
func Enabled(enabled bool) Option {
	return func(o *queryOpts) { o.enabled = enabled }
}

// StaleTime overrides the cache staleness window for one query.
func StaleTime(d time.Duration) Option {
	return func(o *queryOpts) { o.staleTime = d }
}

// KeepPreviousData shows the data of prev while a never-fetched key loads (pagination).
func KeepPreviousData(prev Key) Option {
	return func(o *queryOpts) { o.prevKey = &prev }
}

// Placeholder shows data while a never-fetched key loads.
func Placeholder(data interface{}) Option {
	return func(o *queryOpts) { o.placeholder = data }
}

type (
	entry struct {
		key        Key
		data       interface{}
		hasData    bool
		err        error
		updatedAt  time.Time
		lastAccess time.Time
		invalid    bool

		gen      uint64 // bumped by invalidations; older fetches cannot settle the entry
		fetching bool
		callKey  string
		fetcher  Fetcher

		subs map[int]func(Result[any])
	}

	shard struct {
		sync.Mutex
		entries map[Key]*entry
	}

	outcome struct {
		data interface{}
		err  error
		at   time.Time
	}
)

// Cache deduplicates and caches remote reads. One Cache is shared by the session and every resource hook.
type Cache struct {
	opts   Options
	shards []*shard
	group  singleflight.Group

	seqMu  sync.Mutex
	seq    uint64
	subSeq int

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	started  bool
	startMu  sync.Mutex
}

func New(opts Options) *Cache {
	if opts.StaleTime <= 0 {
		opts.StaleTime = DefaultStaleTime
	}
	if opts.GCTime <= 0 {
		opts.GCTime = DefaultGCTime
	}
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.NowFunc == nil {
		opts.NowFunc = time.Now
	}
	c := &Cache{
		opts:   opts,
		shards: make([]*shard, opts.Shards),
		stop:   make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[Key]*entry)}
	}
	return c
}

func (c *Cache) now() time.Time { return c.opts.NowFunc() }

func (c *Cache) shardFor(key Key) *shard {
	return c.shards[xxhash.Sum64String(key.String())%uint64(len(c.shards))]
}

func (c *Cache) nextCallKey(key Key, gen uint64) string {
	c.seqMu.Lock()
	c.seq++
	seq := c.seq
	c.seqMu.Unlock()
	return key.String() + "#" + strconv.FormatUint(gen, 10) + "#" + strconv.FormatUint(seq, 10)
}

// snapshot must be called with the shard lock held.
func (c *Cache) snapshot(e *entry, staleTime time.Duration) Result[any] {
	r := Result[any]{
		Data:       e.data,
		Err:        e.err,
		UpdatedAt:  e.updatedAt,
		IsFetching: e.fetching,
	}
	switch {
	case e.err != nil && !e.fetching:
		r.Status = StatusError
	case e.hasData:
		r.Status = StatusSuccess
	case e.fetching:
		r.Status = StatusLoading
	default:
		r.Status = StatusIdle
	}
	if e.hasData {
		r.IsStale = e.invalid || c.now().Sub(e.updatedAt) >= staleTime
	}
	return r
}

// launch starts (or joins) the fetch of e for its current generation. Must be called with the shard lock held.
func (c *Cache) launch(s *shard, e *entry, fetcher Fetcher) <-chan singleflight.Result {
	if fetcher != nil {
		e.fetcher = fetcher
	}
	if e.fetching {
		c.opts.Metrics.dedup()
		// the call under callKey is in flight: fn only runs if that invariant is broken
		return c.group.DoChan(e.callKey, func() (interface{}, error) {
			return outcome{err: errors.Errorf("query %s: fetch settled before join", e.key), at: c.now()}, nil
		})
	}

	gen := e.gen
	fetch := e.fetcher
	callKey := c.nextCallKey(e.key, gen)
	e.fetching = true
	e.callKey = callKey

	c.wg.Add(1)
	return c.group.DoChan(callKey, func() (interface{}, error) {
		defer c.wg.Done()
		out := c.run(e.key, fetch)
		c.opts.Metrics.fetch(e.key.Scope, out.err)

		s.Lock()
		if e.callKey == callKey {
			e.fetching = false
		}
		if e.gen == gen {
			if out.err != nil {
				e.err = out.err
			} else {
				e.data, e.hasData, e.err = out.data, true, nil
				e.updatedAt = out.at
				e.invalid = false
			}
		}
		subs := make([]func(Result[any]), 0, len(e.subs))
		for _, fn := range e.subs {
			subs = append(subs, fn)
		}
		snap := c.snapshot(e, c.opts.StaleTime)
		s.Unlock()

		for _, fn := range subs {
			fn(snap)
		}
		return out, nil
	})
}

// run calls fetch detached from any caller: abandoned callers never cancel the network call.
func (c *Cache) run(key Key, fetch Fetcher) (out outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = outcome{err: errors.Errorf("query %s: fetcher panicked: %v", key, rec), at: c.now()}
		}
	}()
	if fetch == nil {
		return outcome{err: errors.Errorf("query %s: no fetcher", key), at: c.now()}
	}
	data, err := fetch(context.Background())
	if err != nil && c.opts.Logger != nil && !core.IsTransportError(err) {
		if _, ok := core.AsAPIError(err); !ok {
			c.opts.Logger.Error(fmt.Sprintf("query %s failed", key), err)
		}
	}
	return outcome{data: data, err: err, at: c.now()}
}

// Query returns the data of key:
//   - fresh data is returned as is;
//   - stale data is returned immediately and revalidated in the background;
//   - missing or invalidated data is fetched, at most once concurrently per key.
//
// The fetch outlives ctx: a caller whose ctx is done gets an early result while the cache is still filled.
func (c *Cache) Query(ctx context.Context, key Key, fetcher Fetcher, options ...Option) Result[any] {
	opts := queryOpts{enabled: true, staleTime: c.opts.StaleTime}
	for _, opt := range options {
		opt(&opts)
	}

	var (
		prevData interface{}
		hasPrev  bool
	)
	if opts.prevKey != nil && *opts.prevKey != key {
		prevData, hasPrev = c.Peek(*opts.prevKey)
	}
	if !hasPrev && opts.placeholder != nil {
		prevData, hasPrev = opts.placeholder, true
	}

	s := c.shardFor(key)
	s.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{key: key}
		s.entries[key] = e
	}
	e.lastAccess = c.now()
	if fetcher != nil {
		e.fetcher = fetcher
	}

	if !opts.enabled {
		snap := c.snapshot(e, opts.staleTime)
		s.Unlock()
		c.opts.Metrics.request(key.Scope, "disabled")
		return snap
	}

	if e.hasData && !e.invalid {
		snap := c.snapshot(e, opts.staleTime)
		if snap.IsStale {
			c.launch(s, e, fetcher)
			snap.IsFetching = true
			c.opts.Metrics.request(key.Scope, "stale")
		} else {
			c.opts.Metrics.request(key.Scope, "hit")
		}
		s.Unlock()
		return snap
	}

	if !e.hasData && hasPrev {
		c.launch(s, e, fetcher)
		s.Unlock()
		c.opts.Metrics.request(key.Scope, "placeholder")
		return Result[any]{Data: prevData, Status: StatusSuccess, IsFetching: true, IsPlaceholder: true}
	}

	ch := c.launch(s, e, fetcher)
	s.Unlock()
	c.opts.Metrics.request(key.Scope, "miss")

	select {
	case <-ctx.Done():
		s.Lock()
		snap := c.snapshot(e, opts.staleTime)
		s.Unlock()
		snap.Err = ctx.Err()
		snap.IsFetching = true
		if !snap.HasData() {
			snap.Status = StatusLoading
		}
		return snap
	case res := <-ch:
		out := res.Val.(outcome)
		s.Lock()
		snap := c.snapshot(e, opts.staleTime)
		s.Unlock()
		if out.err != nil {
			snap.Err = out.err
			snap.Status = StatusError
			return snap
		}
		snap.Data, snap.Err = out.data, nil
		snap.Status = StatusSuccess
		snap.UpdatedAt = out.at
		snap.IsStale = false
		return snap
	}
}

// Peek returns the cached data of key without fetching.
func (c *Cache) Peek(key Key) (interface{}, bool) {
	s := c.shardFor(key)
	s.Lock()
	defer s.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.hasData {
		return nil, false
	}
	return e.data, true
}

// SetData writes data for key as freshly fetched. Fetches in flight for key are discarded.
func (c *Cache) SetData(key Key, data interface{}) {
	s := c.shardFor(key)
	s.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{key: key}
		s.entries[key] = e
	}
	e.gen++
	e.fetching = false
	e.data, e.hasData, e.err = data, true, nil
	e.updatedAt = c.now()
	e.lastAccess = e.updatedAt
	e.invalid = false
	subs := make([]func(Result[any]), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	snap := c.snapshot(e, c.opts.StaleTime)
	s.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// Invalidate marks every entry matched by invs as invalid: the next read refetches instead of reusing them.
// Entries with subscribers are refetched right away. It returns the number of entries invalidated.
func (c *Cache) Invalidate(invs ...Invalidation) int {
	var n int
	for _, s := range c.shards {
		s.Lock()
		for key, e := range s.entries {
			for _, inv := range invs {
				if !inv.Matches(key) {
					continue
				}
				e.gen++
				e.fetching = false
				e.invalid = true
				n++
				if len(e.subs) > 0 && e.fetcher != nil {
					c.launch(s, e, nil)
				}
				break
			}
		}
		s.Unlock()
	}
	c.opts.Metrics.invalidated(n)
	return n
}

// Subscribe registers fn to be called whenever key settles. It returns the unsubscribe func.
func (c *Cache) Subscribe(key Key, fn func(Result[any])) func() {
	c.seqMu.Lock()
	c.subSeq++
	id := c.subSeq
	c.seqMu.Unlock()

	s := c.shardFor(key)
	s.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{key: key}
		s.entries[key] = e
	}
	if e.subs == nil {
		e.subs = make(map[int]func(Result[any]))
	}
	e.subs[id] = fn
	s.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.Lock()
			delete(e.subs, id)
			s.Unlock()
		})
	}
}

// Remove drops key from the cache.
func (c *Cache) Remove(key Key) {
	s := c.shardFor(key)
	s.Lock()
	if e, ok := s.entries[key]; ok {
		e.gen++
		delete(s.entries, key)
	}
	s.Unlock()
}

// Clear drops every entry and subscription. Results of fetches in flight are discarded.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.Lock()
		for _, e := range s.entries {
			e.gen++
		}
		s.entries = make(map[Key]*entry)
		s.Unlock()
	}
}

func (c *Cache) Len() int {
	var n int
	for _, s := range c.shards {
		s.Lock()
		n += len(s.entries)
		s.Unlock()
	}
	return n
}

// Start runs the janitor that evicts entries unused for GCTime.
func (c *Cache) Start() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return
	}
	c.started = true

	interval := c.opts.GCTime / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.evictUnused()
			}
		}
	}()
}

// Stop stops the janitor and waits for in-flight fetches to settle.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Cache) evictUnused() int {
	cutoff := c.now().Add(-c.opts.GCTime)
	var n int
	for _, s := range c.shards {
		s.Lock()
		for key, e := range s.entries {
			if len(e.subs) == 0 && !e.fetching && e.lastAccess.Before(cutoff) {
				delete(s.entries, key)
				n++
			}
		}
		s.Unlock()
	}
	c.opts.Metrics.evicted(n)
	return n
}

// Fetch is the typed form of Cache.Query.
func Fetch[T any](ctx context.Context, c *Cache, key Key, fetch func(ctx context.Context) (T, error), options ...Option) Result[T] {
	r := c.Query(ctx, key, func(ctx context.Context) (interface{}, error) {
		return fetch(ctx)
	}, options...)
	return Convert[T](r)
}

// Convert narrows an untyped Result; data of another type is dropped.
func Convert[T any](r Result[any]) Result[T] {
	out := Result[T]{
		Err:           r.Err,
		Status:        r.Status,
		UpdatedAt:     r.UpdatedAt,
		IsStale:       r.IsStale,
		IsFetching:    r.IsFetching,
		IsPlaceholder: r.IsPlaceholder,
	}
	if data, ok := r.Data.(T); ok {
		out.Data = data
	}
	return out
}
