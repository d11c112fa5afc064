package inmemdb

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/trezcool/masomo-portal/core/auth"
)

var NowFunc = time.Now // mockable

type (
	// DB is an in-memory key/value table.
	DB struct {
		mutex sync.RWMutex
		table map[string]string
	}

	cookie struct {
		value   string
		expires time.Time
	}

	// Cookies is an in-memory auth.CookieJar.
	Cookies struct {
		mutex sync.RWMutex
		jar   map[string]cookie
	}
)

var (
	_ auth.Storage   = (*DB)(nil)
	_ auth.CookieJar = (*Cookies)(nil)
)

func Open() *DB {
	return &DB{table: make(map[string]string)}
}

func (db *DB) Get(_ context.Context, key string) (string, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	if val, ok := db.table[key]; ok {
		return val, nil
	}
	return "", auth.ErrKeyNotFound
}

func (db *DB) Set(_ context.Context, key, value string) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.table[key] = value
	return nil
}

func (db *DB) Delete(_ context.Context, key string) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	delete(db.table, key)
	return nil
}

// Keys returns the sorted keys starting with prefix.
func (db *DB) Keys(prefix string) []string {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	keys := make([]string, 0, len(db.table))
	for key := range db.table {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// DeletePrefix drops every key starting with prefix.
func (db *DB) DeletePrefix(_ context.Context, prefix string) (int, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	var n int
	for key := range db.table {
		if strings.HasPrefix(key, prefix) {
			delete(db.table, key)
			n++
		}
	}
	return n, nil
}

func (db *DB) Len() int {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return len(db.table)
}

func NewCookies() *Cookies {
	return &Cookies{jar: make(map[string]cookie)}
}

func (c *Cookies) Cookie(name string) (string, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	ck, ok := c.jar[name]
	if !ok || (!ck.expires.IsZero() && !NowFunc().Before(ck.expires)) {
		return "", false
	}
	return ck.value, true
}

func (c *Cookies) SetCookie(name, value string, maxAge time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var expires time.Time
	if maxAge > 0 {
		expires = NowFunc().Add(maxAge)
	}
	c.jar[name] = cookie{value: value, expires: expires}
	return nil
}

func (c *Cookies) ClearCookie(name string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.jar, name)
	return nil
}

// Expires returns the expiry of the named cookie (zero for session cookies or missing ones).
func (c *Cookies) Expires(name string) time.Time {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.jar[name].expires
}
