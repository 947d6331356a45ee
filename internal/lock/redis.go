// Package lock provides the cross-process mutual exclusion primitive that
// serializes mutations of a shared threat model. One lock per document id,
// held for a single request/response cycle, expiring on its own so a crashed
// holder cannot wedge the document.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the key exists but is owned by a
// different token, or does not exist at all (already expired or released).
var ErrNotHeld = errors.New("lock not held by this token")

// Locker is the contract the conflict engine depends on.
type Locker interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// releaseScript deletes the key only when its value matches the caller's
// token, so a holder can never release a lock it no longer owns.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on a shared Redis instance.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(redisURL string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisLocker{client: client}, nil
}

// NewRedisLockerWithClient creates a locker from an existing Redis client.
func NewRedisLockerWithClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Key returns the lock key for a document id.
func Key(documentID string) string {
	return "lock:" + documentID
}

// Acquire takes the lock with a single atomic set-if-absent attempt. It does
// not retry; the caller decides backoff policy.
func (l *RedisLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// Release deletes the lock if and only if it is still owned by token.
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
