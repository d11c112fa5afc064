package resource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-portal/core/mutation"
	"github.com/trezcool/masomo-portal/core/query"
)

var (
	ErrReadOnly      = errors.New("resource is read-only")
	errInvalidPeriod = errors.New("end date must not be before start date")
)

// Transport performs the REST calls of the resource hooks. Results are decoded into out.
type Transport interface {
	List(ctx context.Context, kind Kind, params ListParams, out interface{}) (PageInfo, error)
	Get(ctx context.Context, kind Kind, id string, out interface{}) error
	Create(ctx context.Context, kind Kind, body, out interface{}) error
	Update(ctx context.Context, kind Kind, id string, body, out interface{}) error
	Delete(ctx context.Context, kind Kind, id string) error
}

// Form is a create or update payload validated before it is sent.
type Form interface {
	Validate(validate *validator.Validate) error
}

// Hooks are the typed read (cached) and write (pipelined) operations of one resource kind.
type Hooks[T any, N, U Form] struct {
	Kind      Kind
	transport Transport
	pipeline  *mutation.Pipeline
	validate  *validator.Validate
	idOf      func(T) string
}

func NewHooks[T any, N, U Form](
	kind Kind,
	transport Transport,
	pipeline *mutation.Pipeline,
	validate *validator.Validate,
	idOf func(T) string,
) *Hooks[T, N, U] {
	return &Hooks[T, N, U]{
		Kind:      kind,
		transport: transport,
		pipeline:  pipeline,
		validate:  validate,
		idOf:      idOf,
	}
}

func (h *Hooks[T, N, U]) cache() *query.Cache { return h.pipeline.Cache() }

// List reads one page of records through the cache.
func (h *Hooks[T, N, U]) List(ctx context.Context, params ListParams, opts ...query.Option) query.Result[Page[T]] {
	return query.Fetch(ctx, h.cache(), h.Kind.ListKey(params), func(ctx context.Context) (Page[T], error) {
		var items []T
		info, err := h.transport.List(ctx, h.Kind, params, &items)
		if err != nil {
			return Page[T]{}, err
		}
		if items == nil {
			items = []T{}
		}
		return Page[T]{
			Items:      items,
			Total:      info.Total,
			Page:       info.Page,
			Limit:      info.Limit,
			TotalPages: info.TotalPages,
		}, nil
	}, opts...)
}

// Paginate reads a page, showing the previous page's data while a new page loads.
func (h *Hooks[T, N, U]) Paginate(ctx context.Context, params ListParams, opts ...query.Option) query.Result[Page[T]] {
	if prev, ok := params.Prev(); ok {
		opts = append(opts, query.KeepPreviousData(h.Kind.ListKey(prev)))
	}
	return h.List(ctx, params, opts...)
}

// Get reads one record through the cache.
func (h *Hooks[T, N, U]) Get(ctx context.Context, id string, opts ...query.Option) query.Result[T] {
	return query.Fetch(ctx, h.cache(), h.Kind.DetailKey(id), func(ctx context.Context) (T, error) {
		var rec T
		err := h.transport.Get(ctx, h.Kind, id, &rec)
		return rec, err
	}, opts...)
}

func (h *Hooks[T, N, U]) invalidations(id string) []query.Invalidation {
	invs := []query.Invalidation{h.Kind.All()}
	if id != "" {
		invs = append(invs, h.Kind.One(id))
	}
	return invs
}

// Create validates form and creates a record.
func (h *Hooks[T, N, U]) Create(ctx context.Context, form N) (T, error) {
	var zero T
	if h.Kind.ReadOnly() {
		return zero, ErrReadOnly
	}
	if err := form.Validate(h.validate); err != nil {
		return zero, err
	}
	return mutation.Run(ctx, h.pipeline, mutation.Mutation[N, T]{
		Name: "create " + string(h.Kind),
		Do: func(ctx context.Context, in N) (T, error) {
			var rec T
			err := h.transport.Create(ctx, h.Kind, in, &rec)
			return rec, err
		},
		Invalidates: func(_ N, out T) []query.Invalidation {
			return h.invalidations(h.idOf(out))
		},
	}, form)
}

// Update validates form and updates record id.
func (h *Hooks[T, N, U]) Update(ctx context.Context, id string, form U) (T, error) {
	var zero T
	if h.Kind.ReadOnly() {
		return zero, ErrReadOnly
	}
	if err := form.Validate(h.validate); err != nil {
		return zero, err
	}
	return mutation.Run(ctx, h.pipeline, mutation.Mutation[U, T]{
		Name: "update " + string(h.Kind),
		Do: func(ctx context.Context, in U) (T, error) {
			var rec T
			err := h.transport.Update(ctx, h.Kind, id, in, &rec)
			return rec, err
		},
		Invalidates: func(U, T) []query.Invalidation {
			return h.invalidations(id)
		},
	}, form)
}

// Delete removes record id.
func (h *Hooks[T, N, U]) Delete(ctx context.Context, id string) error {
	if h.Kind.ReadOnly() {
		return ErrReadOnly
	}
	_, err := mutation.Run(ctx, h.pipeline, mutation.Mutation[string, struct{}]{
		Name: "delete " + string(h.Kind),
		Do: func(ctx context.Context, id string) (struct{}, error) {
			return struct{}{}, h.transport.Delete(ctx, h.Kind, id)
		},
		Invalidates: func(id string, _ struct{}) []query.Invalidation {
			return h.invalidations(id)
		},
	}, id)
	return err
}

// Record is an untyped resource record.
type Record map[string]interface{}

// ID returns the "id" (or "_id") of the record.
func (r Record) ID() string {
	for _, key := range []string{"id", "_id"} {
		if v, ok := r[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// Decoder fills a form from a request payload.
type Decoder func(dst interface{}) error

// JSONDecoder decodes forms from a JSON document.
func JSONDecoder(data []byte) Decoder {
	return func(dst interface{}) error {
		return errors.Wrap(json.Unmarshal(data, dst), "decoding form")
	}
}

// Accessor exposes the hooks of a kind with untyped records.
type Accessor interface {
	Kind() Kind
	List(ctx context.Context, params ListParams, opts ...query.Option) query.Result[Page[Record]]
	Get(ctx context.Context, id string, opts ...query.Option) query.Result[Record]
	Create(ctx context.Context, decode Decoder) (Record, error)
	Update(ctx context.Context, id string, decode Decoder) (Record, error)
	Delete(ctx context.Context, id string) error
}

type accessor[T any, N, U Form] struct {
	hooks   *Hooks[T, N, U]
	newForm func() N
	updForm func() U
}

// Accessor returns the untyped view of h; newForm and updForm allocate empty forms.
func (h *Hooks[T, N, U]) Accessor(newForm func() N, updForm func() U) Accessor {
	return &accessor[T, N, U]{hooks: h, newForm: newForm, updForm: updForm}
}

func toRecord(v interface{}) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding record")
	}
	var rec Record
	if err = json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "decoding record")
	}
	return rec, nil
}

func convertResult[T, R any](r query.Result[T], conv func(T) (R, error)) query.Result[R] {
	out := query.Result[R]{
		Err:           r.Err,
		Status:        r.Status,
		UpdatedAt:     r.UpdatedAt,
		IsStale:       r.IsStale,
		IsFetching:    r.IsFetching,
		IsPlaceholder: r.IsPlaceholder,
	}
	if r.HasData() {
		data, err := conv(r.Data)
		if err != nil && out.Err == nil {
			out.Err = err
		}
		out.Data = data
	}
	return out
}

func (a *accessor[T, N, U]) Kind() Kind { return a.hooks.Kind }

func (a *accessor[T, N, U]) List(ctx context.Context, params ListParams, opts ...query.Option) query.Result[Page[Record]] {
	return convertResult(a.hooks.Paginate(ctx, params, opts...), func(p Page[T]) (Page[Record], error) {
		out := Page[Record]{Total: p.Total, Page: p.Page, Limit: p.Limit, TotalPages: p.TotalPages}
		out.Items = make([]Record, 0, len(p.Items))
		for _, item := range p.Items {
			rec, err := toRecord(item)
			if err != nil {
				return out, err
			}
			out.Items = append(out.Items, rec)
		}
		return out, nil
	})
}

func (a *accessor[T, N, U]) Get(ctx context.Context, id string, opts ...query.Option) query.Result[Record] {
	return convertResult(a.hooks.Get(ctx, id, opts...), func(rec T) (Record, error) { return toRecord(rec) })
}

func (a *accessor[T, N, U]) Create(ctx context.Context, decode Decoder) (Record, error) {
	if a.hooks.Kind.ReadOnly() {
		return nil, ErrReadOnly
	}
	form := a.newForm()
	if err := decode(form); err != nil {
		return nil, err
	}
	rec, err := a.hooks.Create(ctx, form)
	if err != nil {
		return nil, err
	}
	return toRecord(rec)
}

func (a *accessor[T, N, U]) Update(ctx context.Context, id string, decode Decoder) (Record, error) {
	if a.hooks.Kind.ReadOnly() {
		return nil, ErrReadOnly
	}
	form := a.updForm()
	if err := decode(form); err != nil {
		return nil, err
	}
	rec, err := a.hooks.Update(ctx, id, form)
	if err != nil {
		return nil, err
	}
	return toRecord(rec)
}

func (a *accessor[T, N, U]) Delete(ctx context.Context, id string) error {
	return a.hooks.Delete(ctx, id)
}
