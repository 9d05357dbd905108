package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "statementflow:inflight:"

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard keeps in-flight locks in Redis so several replicas share them.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisClient builds a client from the address, password and DB settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisGuard(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisGuard{client: client, ttl: ttl, logger: logger}
}

// Ping checks connectivity at start-up.
func (g *RedisGuard) Ping(ctx context.Context) error {
	if err := g.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), bool, error) {
	lockKey := keyPrefix + key
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, lockKey, token, g.ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("failed to acquire in-flight lock %s: %w", lockKey, err)
	}
	if !ok {
		return func() {}, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, g.client, []string{lockKey}, token).Err(); err != nil {
				g.logger.Warn("Failed to release in-flight lock.", "lockKey", lockKey, "error", err)
			}
		})
	}, true, nil
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}
