// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package nonces

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps nonce claims in redis so they survive process restarts.
type RedisStore struct {
	db *redis.Client
}

// OpenRedisStore returns a configured RedisStore, verifying a successful
// connection to redis.
func OpenRedisStore(ctx context.Context, address, password string, db int) (*RedisStore, error) {
	store := &RedisStore{
		db: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
	}

	if err := store.db.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	return store, nil
}

// OpenRedisStoreFrom parses a redis:// address and opens the store.
func OpenRedisStoreFrom(ctx context.Context, address string) (*RedisStore, error) {
	redisurl, err := url.Parse(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if redisurl.Scheme != "redis" {
		return nil, Error.New("not a redis:// formatted address")
	}

	q := redisurl.Query()

	db := 0
	if dbs := q.Get("db"); dbs != "" {
		db, err = strconv.Atoi(dbs)
		if err != nil {
			return nil, Error.New("invalid db in %q: %v", address, err)
		}
	}

	return OpenRedisStore(ctx, redisurl.Host, q.Get("password"), db)
}

// Claim reserves the nonce with SETNX semantics. The key expires after ttl.
func (store *RedisStore) Claim(ctx context.Context, deviceID, nonce string, ttl time.Duration) (fresh bool, err error) {
	defer mon.Task()(&ctx)(&err)

	fresh, err = store.db.SetNX(ctx, nonceKey(deviceID, nonce), "1", ttl).Result()
	if err != nil {
		return false, ErrUnavailable.Wrap(err)
	}
	return fresh, nil
}

// Ping verifies the redis connection.
func (store *RedisStore) Ping(ctx context.Context) error {
	if err := store.db.Ping(ctx).Err(); err != nil {
		return ErrUnavailable.Wrap(err)
	}
	return nil
}

// Close closes the redis client.
func (store *RedisStore) Close() error {
	return Error.Wrap(store.db.Close())
}

func nonceKey(deviceID, nonce string) string {
	return "nonce:" + deviceID + ":" + nonce
}
