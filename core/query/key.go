package query

import (
	"encoding/json"
	"strings"
)

// Key identifies a cached query. Two keys are equal when scope, id and params are equal.
type Key struct {
	Scope  string
	ID     string
	Params string // canonical JSON of the fetch parameters
}

// NewKey builds a Key; params are serialized to canonical JSON (maps are sorted by key).
func NewKey(scope, id string, params interface{}) Key {
	k := Key{Scope: scope, ID: id}
	if params != nil {
		if data, err := json.Marshal(params); err == nil && string(data) != "null" && string(data) != "{}" {
			k.Params = string(data)
		}
	}
	return k
}

func (k Key) String() string {
	var sb strings.Builder
	sb.WriteString(k.Scope)
	if k.ID != "" {
		sb.WriteByte('/')
		sb.WriteString(k.ID)
	}
	if k.Params != "" {
		sb.WriteByte('?')
		sb.WriteString(k.Params)
	}
	return sb.String()
}

// Invalidation selects cached keys: every key of Scope, or only those of record ID.
type Invalidation struct {
	Scope string
	ID    string
}

func (inv Invalidation) Matches(k Key) bool {
	if inv.Scope != k.Scope {
		return false
	}
	return inv.ID == "" || inv.ID == k.ID
}

func (inv Invalidation) String() string {
	if inv.ID == "" {
		return inv.Scope + "/*"
	}
	return inv.Scope + "/" + inv.ID
}
