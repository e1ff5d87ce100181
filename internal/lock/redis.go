package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/engine/internal/xid"
)

// releaseScript deletes the key only while it still carries our token, so an
// expired holder cannot release a lock someone else has since taken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client: client,
		prefix: "kasirinaja:lock:",
		ttl:    ttl,
		poll:   20 * time.Millisecond,
		logger: logger,
	}
}

// Acquire polls SET NX until the key is free or ctx ends.
func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := xid.New("lock")

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("acquire lock %s: %w: %w", key, ErrNotAcquired, ctx.Err())
		}
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w: %w", key, ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		deleted, err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Int()
		switch {
		case err != nil:
			// The key still expires after ttl.
			r.logger.Warn("lock release failed",
				slog.String("key", key),
				slog.Duration("ttl", r.ttl),
				slog.String("error", err.Error()),
			)
		case deleted == 0:
			r.logger.Warn("lock expired before release", slog.String("key", key), slog.Duration("ttl", r.ttl))
		}
	}, nil
}
