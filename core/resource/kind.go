package resource

import (
	"strconv"
	"strings"

	"github.com/trezcool/masomo-portal/core/query"
)

// Kind is one of the managed resource types. It doubles as the REST collection name and the cache scope.
type Kind string

const (
	Users         Kind = "users"
	Departments   Kind = "departments"
	Events        Kind = "events"
	Scholarships  Kind = "scholarships"
	Notifications Kind = "notifications"
	Topics        Kind = "topics"
	Datasets      Kind = "datasets"
	ActivityLogs  Kind = "activity-logs"
)

// Kinds lists every resource kind.
var Kinds = []Kind{Users, Departments, Events, Scholarships, Notifications, Topics, Datasets, ActivityLogs}

func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// ParsePath maps a REST path ("/users", "/users/u1", "/users/u1/avatar") to its kind and record id.
func ParsePath(path string) (kind Kind, id string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 {
		return "", "", false
	}
	if kind, ok = ParseKind(parts[0]); !ok {
		return "", "", false
	}
	if len(parts) > 1 {
		id = parts[1]
	}
	return kind, id, true
}

func (k Kind) String() string { return string(k) }

// Title is the human name of the kind ("Activity Logs").
func (k Kind) Title() string {
	words := strings.Split(string(k), "-")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func (k Kind) Path(id ...string) string {
	p := "/" + string(k)
	if len(id) > 0 && id[0] != "" {
		p += "/" + id[0]
	}
	return p
}

// ReadOnly kinds are never mutated through the portal.
func (k Kind) ReadOnly() bool { return k == ActivityLogs }

func (k Kind) ListKey(params ListParams) query.Key {
	return query.NewKey(string(k), "", params)
}

func (k Kind) DetailKey(id string) query.Key {
	return query.NewKey(string(k), id, nil)
}

// All invalidates every cached list and record of the kind.
func (k Kind) All() query.Invalidation {
	return query.Invalidation{Scope: string(k)}
}

// One invalidates the cached record id of the kind.
func (k Kind) One(id string) query.Invalidation {
	return query.Invalidation{Scope: string(k), ID: id}
}

// ListParams are the pagination, search and filter parameters of a list query.
type ListParams struct {
	Page    int               `json:"page,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Search  string            `json:"search,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

// QueryParams flattens p into REST query parameters.
func (p ListParams) QueryParams() map[string]string {
	qp := make(map[string]string, len(p.Filters)+3)
	for k, v := range p.Filters {
		if v != "" {
			qp[k] = v
		}
	}
	if p.Page > 0 {
		qp["page"] = strconv.Itoa(p.Page)
	}
	if p.Limit > 0 {
		qp["limit"] = strconv.Itoa(p.Limit)
	}
	if p.Search != "" {
		qp["search"] = p.Search
	}
	return qp
}

// Prev returns the parameters of the previous page, if any.
func (p ListParams) Prev() (ListParams, bool) {
	if p.Page <= 1 {
		return p, false
	}
	prev := p
	prev.Page--
	return prev, true
}

// Page is one page of a list endpoint.
type Page[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

func (p Page[T]) HasNext() bool { return p.Page < p.TotalPages }
func (p Page[T]) HasPrev() bool { return p.Page > 1 }

// PageInfo is the pagination part of a list envelope.
type PageInfo struct {
	Total      int
	Page       int
	Limit      int
	TotalPages int
}
