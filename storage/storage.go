package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/auth"
	"github.com/trezcool/masomo-portal/storage/database"
	filedb "github.com/trezcool/masomo-portal/storage/database/file"
	inmemdb "github.com/trezcool/masomo-portal/storage/database/inmem"
	redisdb "github.com/trezcool/masomo-portal/storage/database/redis"
	sqlxdb "github.com/trezcool/masomo-portal/storage/database/sqlx"
)

// Backend is the durable storage shared by every device of the portal.
type Backend interface {
	auth.Storage
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

var (
	_ Backend = (*inmemdb.DB)(nil)
	_ Backend = (*filedb.DB)(nil)
	_ Backend = (*redisdb.Store)(nil)
	_ Backend = (*sqlxdb.Store)(nil)
)

// Open returns the backend selected by conf.Storage.Driver and its closer.
func Open(ctx context.Context, conf *core.Config) (Backend, func() error, error) {
	noop := func() error { return nil }

	switch conf.Storage.Driver {
	case core.StorageMemory:
		return inmemdb.Open(), noop, nil

	case core.StorageFile:
		db, err := filedb.Open(conf.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, noop, nil

	case core.StorageRedis:
		client, err := redisdb.Dial(ctx, conf.Storage.RedisAddr, conf.Storage.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		return redisdb.NewStore(client, "portal:", conf.Storage.TTL), client.Close, nil

	case core.StoragePostgres, core.StorageSqlite:
		db, err := database.Open(ctx, conf)
		if err != nil {
			return nil, nil, err
		}
		return sqlxdb.NewStore(db, conf.Storage.TTL), db.Close, nil
	}
	return nil, nil, errors.Errorf("unknown storage driver %q", conf.Storage.Driver)
}
