// Package lease provides mutual exclusion for distillation windows. The
// SQLite backend serves a single node; the Redis backend serves several
// processes sharing one store.
package lease

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jimjrxieb/linkops/internal/db"
)

// ErrHeld is returned by Acquire when another owner holds an unexpired lease.
var ErrHeld = stderrors.New("lease is held by another owner")

// Lease is a held lock on a key.
type Lease struct {
	Key     string
	Owner   string
	release func(ctx context.Context) error
}

// Release gives up the lease. Releasing twice is harmless.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	err := l.release(ctx)
	l.release = nil
	return err
}

// Locker hands out leases keyed by string.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// SQLiteLocker stores leases in the distill_leases table.
type SQLiteLocker struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite returns a Locker backed by database.
func NewSQLite(database *sql.DB) *SQLiteLocker {
	return &SQLiteLocker{db: database, now: time.Now}
}

// Acquire takes key for ttl or returns ErrHeld.
func (s *SQLiteLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	owner := uuid.NewString()
	now := s.now()
	ok, err := db.AcquireLease(ctx, s.db, key, owner, now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{
		Key:   key,
		Owner: owner,
		release: func(ctx context.Context) error {
			return db.ReleaseLease(ctx, s.db, key, owner)
		},
	}, nil
}

const redisKeyPrefix = "linkops:lease:"

// releaseScript deletes the key only if it still carries our owner token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker stores leases as expiring Redis keys.
type RedisLocker struct {
	client *redis.Client
}

// NewRedis returns a Locker backed by client.
func NewRedis(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire takes key for ttl or returns ErrHeld.
func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	owner := uuid.NewString()
	rkey := redisKeyPrefix + key
	ok, err := r.client.SetNX(ctx, rkey, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lease acquire: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{
		Key:   key,
		Owner: owner,
		release: func(ctx context.Context) error {
			if err := releaseScript.Run(ctx, r.client, []string{rkey}, owner).Err(); err != nil {
				return fmt.Errorf("redis lease release: %w", err)
			}
			return nil
		},
	}, nil
}

// Health checks the Redis connection.
func (r *RedisLocker) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Open returns the Redis locker when redisURL is set, otherwise the SQLite
// one. The returned close function releases any client resources.
func Open(ctx context.Context, database *sql.DB, redisURL string) (Locker, func() error, error) {
	if redisURL == "" {
		return NewSQLite(database), func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(client), client.Close, nil
}
