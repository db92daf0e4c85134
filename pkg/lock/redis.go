package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

const defaultRetryInterval = 25 * time.Millisecond

// Redis is a lease lock shared by every process appending to the same SQL-backed ledger.
// The lease expires after ttl so a crashed writer cannot block the ledger forever.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedis creates a lock on key using an existing client.
func NewRedis(client *redis.Client, key string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		key:    key,
		ttl:    ttl,
		retry:  defaultRetryInterval,
		logger: slog.Default().With("component", "lock.redis"),
	}
}

// NewRedisFromAddr dials a client and creates a lock on key.
func NewRedisFromAddr(addr, password string, db int, key string, ttl time.Duration) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedis(rdb, key, ttl)
}

// Ping checks connectivity to the Redis server.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Lock(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("redis lock %s: %w", r.key, err)
		}
		if ok {
			return func() { r.release(token) }, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		}
	}
}

func (r *Redis) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		r.logger.ErrorContext(ctx, "failed to release ledger lock", "key", r.key, "error", err)
	}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
