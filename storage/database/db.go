package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/trezcool/masomo-portal/core"
)

// Schema of the key/value table backing the portal storage.
const Schema = `
CREATE TABLE IF NOT EXISTS portal_storage (
	name       TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at BIGINT NOT NULL DEFAULT 0
)`

func dsn(conf *core.Config) (driver, source string, err error) {
	switch conf.Storage.Driver {
	case core.StoragePostgres:
		return "postgres", conf.Storage.DatabaseURL, nil
	case core.StorageSqlite:
		source = conf.Storage.DatabaseURL
		if source == "" {
			source = conf.Storage.Path
		}
		return "sqlite", source, nil
	}
	return "", "", errors.Errorf("storage driver %q is not a database", conf.Storage.Driver)
}

// Open connects to the configured SQL database, waits for it and creates the storage table.
func Open(ctx context.Context, conf *core.Config) (*sqlx.DB, error) {
	driver, source, err := dsn(conf)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	if err = ping(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "pinging database")
	}
	if err = Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// ping waits for the database to be ready. Waits 100ms longer between each attempt.
func ping(ctx context.Context, db *sqlx.DB) error {
	var err error
	maxAttempts := 30
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "DB ping cancelled")
		case <-time.After(time.Duration(attempts) * 100 * time.Millisecond):
		}
	}

	if err != nil {
		return errors.Wrap(err, "DB ping timeout")
	}
	return nil
}

// Migrate creates the storage table if it does not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return errors.Wrap(err, "migrating database")
	}
	return nil
}
