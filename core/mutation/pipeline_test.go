package mutation

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/query"
)

type department struct {
	ID   string
	Name string
}

func createDepartment(calls *int32, err error) Mutation[string, department] {
	return Mutation[string, department]{
		Name: "create department",
		Do: func(ctx context.Context, name string) (department, error) {
			atomic.AddInt32(calls, 1)
			if err != nil {
				return department{}, err
			}
			return department{ID: "d1", Name: name}, nil
		},
		Invalidates: func(_ string, out department) []query.Invalidation {
			return []query.Invalidation{{Scope: "departments"}, {Scope: "departments", ID: out.ID}}
		},
	}
}

func TestRun_SuccessInvalidatesBeforeReturning(t *testing.T) {
	cache := query.New(query.Options{})
	defer cache.Stop()
	p := NewPipeline(cache, nil)

	list := query.NewKey("departments", "", nil)
	var listCalls int32
	fetchList := func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt32(&listCalls, 1), nil
	}
	cache.Query(context.Background(), list, fetchList)

	var calls int32
	out, err := Run(context.Background(), p, createDepartment(&calls, nil), "Physics")
	require.NoError(t, err)
	assert.Equal(t, department{ID: "d1", Name: "Physics"}, out)

	// the next read is a refetch that happened after the mutation resolved
	r := cache.Query(context.Background(), list, fetchList)
	assert.EqualValues(t, 2, r.Data)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRun_FailureIsNotRetried(t *testing.T) {
	cache := query.New(query.Options{})
	defer cache.Stop()
	p := NewPipeline(cache, nil)

	list := query.NewKey("departments", "", nil)
	cache.SetData(list, "cached")

	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{name: "expected", err: core.NewAPIError(http.StatusBadRequest, "name already taken"), wantMsg: "name already taken"},
		{name: "expected without message", err: core.NewAPIError(http.StatusConflict, ""), wantMsg: "Failed to create department"},
		{name: "transport", err: core.NewTransportError("POST /departments", errors.New("connection refused")), wantMsg: "Failed to create department"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			_, err := Run(context.Background(), p, createDepartment(&calls, tt.err), "Physics")
			assert.Equal(t, tt.err, err)
			assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
			assert.Equal(t, tt.wantMsg, Message(err, "Failed to create department"))

			data, ok := cache.Peek(list)
			assert.True(t, ok)
			assert.Equal(t, "cached", data, "failed mutations must not invalidate")
		})
	}
}

func TestRun_IdempotencyKey(t *testing.T) {
	cache := query.New(query.Options{})
	defer cache.Stop()
	p := NewPipeline(cache, nil)

	var keys []string
	m := Mutation[int, int]{
		Name: "noop",
		Do: func(ctx context.Context, in int) (int, error) {
			keys = append(keys, core.IdempotencyKey(ctx))
			return in, nil
		},
	}

	_, _ = Run(context.Background(), p, m, 1)
	_, _ = Run(context.Background(), p, m, 2)
	_, _ = Run(core.WithIdempotencyKey(context.Background(), "form-123"), p, m, 3)

	require.Len(t, keys, 3)
	assert.Len(t, keys[0], 36)
	assert.NotEqual(t, keys[0], keys[1])
	assert.Equal(t, "form-123", keys[2])
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "", Message(nil, "fallback"))
	assert.Equal(t, "fallback", Message(errors.New("boom"), "fallback"))
	assert.Equal(t, "nope", Message(core.NewAPIError(http.StatusForbidden, "nope"), "fallback"))
}
