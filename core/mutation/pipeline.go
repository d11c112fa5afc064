package mutation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/query"
)

// Mutation is a one-shot create/update/delete against the remote API.
type Mutation[In, Out any] struct {
	Name string
	Do   func(ctx context.Context, in In) (Out, error)
	// Invalidates declares the cache entries made obsolete by a successful Do.
	Invalidates func(in In, out Out) []query.Invalidation
}

// Pipeline runs mutations and applies their cache invalidations.
type Pipeline struct {
	cache  *query.Cache
	logger core.Logger
}

func NewPipeline(cache *query.Cache, logger core.Logger) *Pipeline {
	return &Pipeline{cache: cache, logger: logger}
}

func (p *Pipeline) Cache() *query.Cache { return p.cache }

// Run executes m once; it is never retried.
// On success the declared invalidations are recorded before Run returns.
// Each run carries an idempotency key (a fresh one unless ctx already holds one).
func Run[In, Out any](ctx context.Context, p *Pipeline, m Mutation[In, Out], in In) (Out, error) {
	if core.IdempotencyKey(ctx) == "" {
		ctx = core.WithIdempotencyKey(ctx, uuid.New().String())
	}

	out, err := m.Do(ctx, in)
	if err != nil {
		if _, ok := core.AsAPIError(err); !ok && p.logger != nil {
			p.logger.Warn(fmt.Sprintf("mutation %s failed", m.Name), err, map[string]interface{}{
				"idempotencyKey": core.IdempotencyKey(ctx),
			})
		}
		return out, err
	}

	if m.Invalidates != nil {
		if invs := m.Invalidates(in, out); len(invs) > 0 {
			p.cache.Invalidate(invs...)
		}
	}
	return out, nil
}

// Message returns the user-facing text of a mutation failure: the API's message for
// expected failures, fallback for everything else.
func Message(err error, fallback string) string {
	if err == nil {
		return ""
	}
	if apiErr, ok := core.AsAPIError(err); ok && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}
