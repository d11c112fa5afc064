package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// counter returns a fetcher yielding "<prefix><n>" where n counts calls.
func counter(prefix string, calls *int32) Fetcher {
	return func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(calls, 1)
		return prefix + string(rune('0'+n)), nil
	}
}

func newTestCache(t *testing.T, clk *clock) *Cache {
	c := New(Options{StaleTime: 10 * time.Second, GCTime: time.Minute, NowFunc: clk.Now})
	t.Cleanup(c.Stop)
	return c
}

func TestNewKey(t *testing.T) {
	k1 := NewKey("users", "", map[string]interface{}{"page": 1, "search": "a"})
	k2 := NewKey("users", "", map[string]interface{}{"search": "a", "page": 1})
	k3 := NewKey("users", "", map[string]interface{}{"search": "a", "page": 2})

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Equal(t, `users?{"page":1,"search":"a"}`, k1.String())
	assert.Equal(t, Key{Scope: "users", ID: "u1"}, NewKey("users", "u1", nil))
	assert.Equal(t, Key{Scope: "users"}, NewKey("users", "", struct{}{}))
}

func TestInvalidation_Matches(t *testing.T) {
	list := NewKey("users", "", map[string]int{"page": 1})
	detail := NewKey("users", "u1", nil)
	other := NewKey("events", "", nil)

	all := Invalidation{Scope: "users"}
	one := Invalidation{Scope: "users", ID: "u1"}

	assert.True(t, all.Matches(list))
	assert.True(t, all.Matches(detail))
	assert.False(t, all.Matches(other))
	assert.False(t, one.Matches(list))
	assert.True(t, one.Matches(detail))
}

func TestCache_ConcurrentQueriesShareOneFetch(t *testing.T) {
	c := newTestCache(t, newClock())
	key := NewKey("departments", "", nil)

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		once.Do(func() { close(started) })
		<-release
		return []string{"math", "physics"}, nil
	}

	const n = 20
	results := make([]Result[any], n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Query(context.Background(), key, fetch)
		}(i)
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, StatusSuccess, r.Status)
		assert.Equal(t, []string{"math", "physics"}, r.Data)
	}
}

func TestCache_FreshAndStale(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)
	key := NewKey("events", "", nil)
	var calls int32
	fetch := counter("v", &calls)

	r := c.Query(context.Background(), key, fetch)
	assert.Equal(t, "v1", r.Data)
	assert.False(t, r.IsStale)

	// fresh: no refetch
	clk.Add(5 * time.Second)
	r = c.Query(context.Background(), key, fetch)
	assert.Equal(t, "v1", r.Data)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// stale: last value now, revalidated in background
	clk.Add(10 * time.Second)
	r = c.Query(context.Background(), key, fetch)
	assert.Equal(t, "v1", r.Data)
	assert.True(t, r.IsStale)
	assert.True(t, r.IsFetching)
	assert.Equal(t, StatusSuccess, r.Status)

	assert.Eventually(t, func() bool {
		data, _ := c.Peek(key)
		return data == "v2"
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	r = c.Query(context.Background(), key, fetch)
	assert.Equal(t, "v2", r.Data)
	assert.False(t, r.IsStale)
}

func TestCache_InvalidateForcesRefetch(t *testing.T) {
	c := newTestCache(t, newClock())
	list := NewKey("topics", "", map[string]int{"page": 1})
	detail := NewKey("topics", "t1", nil)
	other := NewKey("events", "", nil)

	var listCalls, detailCalls, otherCalls int32
	c.Query(context.Background(), list, counter("l", &listCalls))
	c.Query(context.Background(), detail, counter("d", &detailCalls))
	c.Query(context.Background(), other, counter("o", &otherCalls))

	n := c.Invalidate(Invalidation{Scope: "topics"})
	assert.Equal(t, 2, n)

	r := c.Query(context.Background(), list, counter("l", &listCalls))
	assert.Equal(t, "l2", r.Data, "an invalidated entry must be refetched, not reused")
	assert.False(t, r.IsStale)

	r = c.Query(context.Background(), detail, counter("d", &detailCalls))
	assert.Equal(t, "d2", r.Data)

	r = c.Query(context.Background(), other, counter("o", &otherCalls))
	assert.Equal(t, "o1", r.Data)
}

func TestCache_InvalidateRefetchesSubscribed(t *testing.T) {
	c := newTestCache(t, newClock())
	key := NewKey("scholarships", "", nil)
	var calls int32
	fetch := counter("s", &calls)

	c.Query(context.Background(), key, fetch)

	got := make(chan Result[any], 1)
	unsubscribe := c.Subscribe(key, func(r Result[any]) { got <- r })
	defer unsubscribe()

	c.Invalidate(Invalidation{Scope: "scholarships"})

	select {
	case r := <-got:
		assert.Equal(t, "s2", r.Data)
		assert.False(t, r.IsStale)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not refetched")
	}
}

func TestCache_FetchStartedBeforeInvalidationIsDiscarded(t *testing.T) {
	c := newTestCache(t, newClock())
	key := NewKey("users", "", nil)

	release := make(chan struct{})
	started := make(chan struct{})
	slow := func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return "before", nil
	}

	done := make(chan Result[any])
	go func() { done <- c.Query(context.Background(), key, slow) }()
	<-started

	c.Invalidate(Invalidation{Scope: "users"})
	close(release)
	assert.Equal(t, "before", (<-done).Data)

	var calls int32
	r := c.Query(context.Background(), key, counter("after", &calls))
	assert.Equal(t, "after1", r.Data)
}

func TestCache_Disabled(t *testing.T) {
	c := newTestCache(t, newClock())
	key := NewKey("profile", "", nil)
	var calls int32

	r := c.Query(context.Background(), key, counter("p", &calls), Enabled(false))
	assert.Equal(t, StatusIdle, r.Status)
	assert.Nil(t, r.Data)
	assert.Zero(t, atomic.LoadInt32(&calls))

	c.SetData(key, "seeded")
	r = c.Query(context.Background(), key, counter("p", &calls), Enabled(false))
	assert.Equal(t, "seeded", r.Data)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestCache_KeepPreviousData(t *testing.T) {
	c := newTestCache(t, newClock())
	page1 := NewKey("users", "", map[string]int{"page": 1})
	page2 := NewKey("users", "", map[string]int{"page": 2})

	var calls int32
	c.Query(context.Background(), page1, counter("p", &calls))

	release := make(chan struct{})
	slow := func(ctx context.Context) (interface{}, error) {
		<-release
		return "page2", nil
	}
	r := c.Query(context.Background(), page2, slow, KeepPreviousData(page1))
	assert.Equal(t, "p1", r.Data)
	assert.True(t, r.IsPlaceholder)
	assert.True(t, r.IsFetching)

	close(release)
	assert.Eventually(t, func() bool {
		data, _ := c.Peek(page2)
		return data == "page2"
	}, time.Second, 5*time.Millisecond)

	r = c.Query(context.Background(), page2, slow, KeepPreviousData(page1))
	assert.Equal(t, "page2", r.Data)
	assert.False(t, r.IsPlaceholder)
}

func TestCache_AbandonedCallerDoesNotCancelFetch(t *testing.T) {
	c := newTestCache(t, newClock())
	key := NewKey("notifications", "", nil)

	release := make(chan struct{})
	var fetchCtxErr atomic.Value
	slow := func(ctx context.Context) (interface{}, error) {
		<-release
		fetchCtxErr.Store(ctx.Err() == nil)
		return "late", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := c.Query(ctx, key, slow)
	assert.Equal(t, context.Canceled, r.Err)
	assert.Equal(t, StatusLoading, r.Status)

	close(release)
	assert.Eventually(t, func() bool {
		data, _ := c.Peek(key)
		return data == "late"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, true, fetchCtxErr.Load())
}

func TestCache_FetchError(t *testing.T) {
	c := newTestCache(t, newClock())
	key := NewKey("datasets", "", nil)
	boom := errors.New("boom")

	r := c.Query(context.Background(), key, func(ctx context.Context) (interface{}, error) { return nil, boom })
	assert.Equal(t, boom, r.Err)
	assert.Equal(t, StatusError, r.Status)

	r = c.Query(context.Background(), key, func(ctx context.Context) (interface{}, error) { panic("lol") })
	assert.EqualError(t, r.Err, "query datasets: fetcher panicked: lol")

	var calls int32
	r = c.Query(context.Background(), key, counter("ok", &calls))
	assert.NoError(t, r.Err)
	assert.Equal(t, "ok1", r.Data)
}

func TestCache_ClearAndRemove(t *testing.T) {
	c := newTestCache(t, newClock())
	var calls int32
	a, b := NewKey("a", "", nil), NewKey("b", "", nil)
	c.Query(context.Background(), a, counter("a", &calls))
	c.Query(context.Background(), b, counter("b", &calls))
	assert.Equal(t, 2, c.Len())

	c.Remove(a)
	_, ok := c.Peek(a)
	assert.False(t, ok)

	c.Clear()
	assert.Zero(t, c.Len())
}

func TestCache_Janitor(t *testing.T) {
	clk := newClock()
	c := New(Options{GCTime: 20 * time.Millisecond, NowFunc: clk.Now})
	c.Start()
	c.Start() // idempotent
	defer c.Stop()

	key := NewKey("events", "", nil)
	var calls int32
	c.Query(context.Background(), key, counter("e", &calls))
	kept := NewKey("users", "", nil)
	c.Query(context.Background(), kept, counter("u", &calls))
	unsubscribe := c.Subscribe(kept, func(Result[any]) {})
	defer unsubscribe()

	clk.Add(time.Minute)
	assert.Eventually(t, func() bool {
		_, ok := c.Peek(key)
		return !ok
	}, time.Second, 5*time.Millisecond)
	_, ok := c.Peek(kept)
	assert.True(t, ok, "entries with subscribers are never evicted")
}

func TestCache_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(Options{Metrics: NewMetrics(reg)})
	defer c.Stop()

	key := NewKey("events", "", nil)
	var calls int32
	c.Query(context.Background(), key, counter("e", &calls))
	c.Query(context.Background(), key, counter("e", &calls))
	c.Invalidate(Invalidation{Scope: "events"})

	m := c.opts.Metrics
	assert.Equal(t, float64(1), promtest.ToFloat64(m.Requests.WithLabelValues("events", "miss")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.Requests.WithLabelValues("events", "hit")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.Fetches.WithLabelValues("events", "success")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.Invalidations))
}

func TestFetch_Typed(t *testing.T) {
	c := newTestCache(t, newClock())
	key := NewKey("users", "u1", nil)

	r := Fetch(context.Background(), c, key, func(ctx context.Context) (int, error) { return 42, nil })
	assert.Equal(t, 42, r.Data)
	assert.True(t, r.HasData())

	c.SetData(key, "not an int")
	r = Fetch(context.Background(), c, key, func(ctx context.Context) (int, error) { return 0, nil })
	assert.Zero(t, r.Data)
}
