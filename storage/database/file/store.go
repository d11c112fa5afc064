package filedb

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-portal/core/auth"
)

var NowFunc = time.Now // mockable

type (
	cookie struct {
		Value   string    `json:"value"`
		Expires time.Time `json:"expires,omitempty"`
	}

	contents struct {
		Storage map[string]string `json:"storage"`
		Cookies map[string]cookie `json:"cookies"`
	}

	// DB persists the portal storage and cookie jar in one JSON file, rewritten on every change.
	DB struct {
		mutex sync.Mutex
		path  string
		data  contents
	}
)

var (
	_ auth.Storage   = (*DB)(nil)
	_ auth.CookieJar = (*DB)(nil)
)

// Open loads the file at path. A missing file is an empty store.
func Open(path string) (*DB, error) {
	db := &DB{path: path, data: contents{
		Storage: make(map[string]string),
		Cookies: make(map[string]cookie),
	}}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return db, nil
	case err != nil:
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	if len(raw) == 0 {
		return db, nil
	}
	if err = json.Unmarshal(raw, &db.data); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	if db.data.Storage == nil {
		db.data.Storage = make(map[string]string)
	}
	if db.data.Cookies == nil {
		db.data.Cookies = make(map[string]cookie)
	}
	return db, nil
}

func (db *DB) Path() string { return db.path }

// flush must be called with the mutex held.
func (db *DB) flush() error {
	raw, err := json.MarshalIndent(db.data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding store")
	}
	if err = os.MkdirAll(filepath.Dir(db.path), 0o700); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(db.path))
	}

	tmp, err := os.CreateTemp(filepath.Dir(db.path), filepath.Base(db.path)+".*")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err = tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "writing temp file")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp file")
	}
	return errors.Wrapf(os.Rename(tmp.Name(), db.path), "replacing %s", db.path)
}

func (db *DB) Get(_ context.Context, key string) (string, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if val, ok := db.data.Storage[key]; ok {
		return val, nil
	}
	return "", auth.ErrKeyNotFound
}

func (db *DB) Set(_ context.Context, key, value string) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.data.Storage[key] = value
	return db.flush()
}

func (db *DB) Delete(_ context.Context, key string) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if _, ok := db.data.Storage[key]; !ok {
		return nil
	}
	delete(db.data.Storage, key)
	return db.flush()
}

// DeletePrefix drops every key starting with prefix and returns how many went.
func (db *DB) DeletePrefix(_ context.Context, prefix string) (int, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	var n int
	for key := range db.data.Storage {
		if strings.HasPrefix(key, prefix) {
			delete(db.data.Storage, key)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, db.flush()
}

func (db *DB) Cookie(name string) (string, bool) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	ck, ok := db.data.Cookies[name]
	if !ok || (!ck.Expires.IsZero() && !NowFunc().Before(ck.Expires)) {
		return "", false
	}
	return ck.Value, true
}

func (db *DB) SetCookie(name, value string, maxAge time.Duration) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	ck := cookie{Value: value}
	if maxAge > 0 {
		ck.Expires = NowFunc().Add(maxAge).UTC()
	}
	db.data.Cookies[name] = ck
	return db.flush()
}

func (db *DB) ClearCookie(name string) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if _, ok := db.data.Cookies[name]; !ok {
		return nil
	}
	delete(db.data.Cookies, name)
	return db.flush()
}
