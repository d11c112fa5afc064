package sqlxdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-portal/core/auth"
)

var NowFunc = time.Now // mockable

// Store is an auth.Storage over the portal_storage table (postgres or sqlite).
type Store struct {
	db  *sqlx.DB
	ttl time.Duration
}

var _ auth.Storage = (*Store)(nil)

// NewStore returns a store over db. Rows expire ttl after their last write; a zero ttl keeps them forever.
func NewStore(db *sqlx.DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl}
}

type row struct {
	Value     string `db:"value"`
	ExpiresAt int64  `db:"expires_at"`
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var r row
	q := s.db.Rebind(`SELECT value, expires_at FROM portal_storage WHERE name = ?`)
	if err := s.db.GetContext(ctx, &r, q, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", auth.ErrKeyNotFound
		}
		return "", errors.Wrapf(err, "reading %q", key)
	}
	if r.ExpiresAt != 0 && NowFunc().Unix() >= r.ExpiresAt {
		_ = s.Delete(ctx, key)
		return "", auth.ErrKeyNotFound
	}
	return r.Value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	var expiresAt int64
	if s.ttl > 0 {
		expiresAt = NowFunc().Add(s.ttl).Unix()
	}
	q := s.db.Rebind(`
		INSERT INTO portal_storage (name, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`)
	if _, err := s.db.ExecContext(ctx, q, key, value, expiresAt); err != nil {
		return errors.Wrapf(err, "writing %q", key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	q := s.db.Rebind(`DELETE FROM portal_storage WHERE name = ?`)
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		return errors.Wrapf(err, "deleting %q", key)
	}
	return nil
}

// DeletePrefix drops every key starting with prefix and returns how many went.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	q := s.db.Rebind(`DELETE FROM portal_storage WHERE substr(name, 1, ?) = ?`)
	res, err := s.db.ExecContext(ctx, q, len(prefix), prefix)
	if err != nil {
		return 0, errors.Wrapf(err, "deleting prefix %q", prefix)
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "counting deleted rows")
}

// Purge drops the expired rows.
func (s *Store) Purge(ctx context.Context) (int, error) {
	q := s.db.Rebind(`DELETE FROM portal_storage WHERE expires_at <> 0 AND expires_at <= ?`)
	res, err := s.db.ExecContext(ctx, q, NowFunc().Unix())
	if err != nil {
		return 0, errors.Wrap(err, "purging expired rows")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "counting purged rows")
}
