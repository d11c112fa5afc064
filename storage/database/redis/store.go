package redisdb

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/trezcool/masomo-portal/core/auth"
)

// Store is an auth.Storage over redis. Every key is namespaced by prefix.
// With a ttl, keys expire ttl after their last access.
type Store struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

var _ auth.Storage = (*Store)(nil)

func NewStore(client *goredis.Client, prefix string, ttl time.Duration) *Store {
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// Dial connects to the redis server at addr and checks it answers.
func Dial(ctx context.Context, addr, password string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "pinging redis at %s", addr)
	}
	return client, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", auth.ErrKeyNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "reading %q", key)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, s.prefix+key, s.ttl)
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return errors.Wrapf(s.client.Set(ctx, s.prefix+key, value, s.ttl).Err(), "writing %q", key)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return errors.Wrapf(s.client.Del(ctx, s.prefix+key).Err(), "deleting %q", key)
}

// DeletePrefix drops every key starting with prefix and returns how many went.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var n int
	iter := s.client.Scan(ctx, 0, s.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		deleted, err := s.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return n, errors.Wrapf(err, "deleting %q", iter.Val())
		}
		n += int(deleted)
	}
	return n, errors.Wrapf(iter.Err(), "scanning prefix %q", prefix)
}
