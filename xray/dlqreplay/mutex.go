// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package dlqreplay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mutex serializes replay passes across replayer instances. Two
// concurrent replayers would double-publish every message they pull.
type Mutex interface {
	// TryLock attempts to take the lock without blocking.
	TryLock(ctx context.Context) (locked bool, err error)
	// Unlock releases a previously taken lock.
	Unlock(ctx context.Context) error
}

// LocalMutex guards replays within a single process.
type LocalMutex struct {
	mu sync.Mutex
}

// NewLocalMutex creates an in-process mutex.
func NewLocalMutex() *LocalMutex { return &LocalMutex{} }

// TryLock implements Mutex.
func (local *LocalMutex) TryLock(ctx context.Context) (bool, error) {
	return local.mu.TryLock(), nil
}

// Unlock implements Mutex.
func (local *LocalMutex) Unlock(ctx context.Context) error {
	local.mu.Unlock()
	return nil
}

// RedisMutex guards replays across processes with a redis key. The key
// expires after ttl so a crashed holder cannot wedge the fleet. A single
// goroutine owns the mutex at a time.
type RedisMutex struct {
	db    *redis.Client
	key   string
	ttl   time.Duration
	token string
}

// NewRedisMutex wraps an existing redis client.
func NewRedisMutex(db *redis.Client, key string, ttl time.Duration) *RedisMutex {
	return &RedisMutex{db: db, key: key, ttl: ttl}
}

// OpenRedisMutex parses a redis:// address and returns a connected mutex.
func OpenRedisMutex(ctx context.Context, address, key string, ttl time.Duration) (*RedisMutex, error) {
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

	mutex := NewRedisMutex(redis.NewClient(&redis.Options{
		Addr:     redisurl.Host,
		Password: q.Get("password"),
		DB:       db,
	}), key, ttl)

	if err := mutex.db.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	return mutex, nil
}

// TryLock implements Mutex.
func (mutex *RedisMutex) TryLock(ctx context.Context) (locked bool, err error) {
	defer mon.Task()(&ctx)(&err)

	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return false, Error.Wrap(err)
	}
	value := hex.EncodeToString(token)

	locked, err = mutex.db.SetNX(ctx, mutex.key, value, mutex.ttl).Result()
	if err != nil {
		return false, Error.Wrap(err)
	}
	if locked {
		mutex.token = value
	}
	return locked, nil
}

// unlockScript deletes the key only when the stored token matches, so a
// lock that expired and moved to another holder is left alone.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Unlock implements Mutex.
func (mutex *RedisMutex) Unlock(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(unlockScript.Run(ctx, mutex.db, []string{mutex.key}, mutex.token).Err())
}

// Close closes the redis client.
func (mutex *RedisMutex) Close() error {
	return Error.Wrap(mutex.db.Close())
}
