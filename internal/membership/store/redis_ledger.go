package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	merrors "github.com/rcourtman/memberd/internal/errors"
)

const (
	redisLedgerPrefix = "memberd:event:"

	// DefaultLedgerRetention outlives Stripe's three-day redelivery window.
	DefaultLedgerRetention = 30 * 24 * time.Hour
)

// releaseScript deletes the lock only if this delivery still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLedger is an event ledger shared by every replica behind the webhook.
type RedisLedger struct {
	client    *redis.Client
	lockTTL   time.Duration
	retention time.Duration
}

// NewRedisLedger connects to redisURL (redis://[:password@]host:port/db).
func NewRedisLedger(ctx context.Context, redisURL string, lockTTL time.Duration) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisLedgerWithClient(client, lockTTL), nil
}

// NewRedisLedgerWithClient wraps an existing client.
func NewRedisLedgerWithClient(client *redis.Client, lockTTL time.Duration) *RedisLedger {
	if lockTTL <= 0 {
		lockTTL = DefaultLedgerLockTTL
	}
	return &RedisLedger{client: client, lockTTL: lockTTL, retention: DefaultLedgerRetention}
}

// Do has the same contract as SQLLedger.Do.
func (l *RedisLedger) Do(ctx context.Context, eventID, eventType string, fn func(context.Context) error) (already bool, err error) {
	if l == nil || l.client == nil {
		return false, errors.New("ledger is nil")
	}
	if strings.TrimSpace(eventID) == "" {
		return false, errors.New("event id is required")
	}
	if fn == nil {
		return false, errors.New("handler is required")
	}

	doneKey := redisLedgerPrefix + eventID + ":done"
	lockKey := redisLedgerPrefix + eventID + ":lock"

	n, err := l.client.Exists(ctx, doneKey).Result()
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, lockKey, token, l.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	if !acquired {
		if n, err := l.client.Exists(ctx, doneKey).Result(); err == nil && n > 0 {
			return true, nil
		}
		return false, merrors.ErrEventInFlight
	}
	defer l.release(lockKey, token)

	if err := fn(ctx); err != nil {
		return false, err
	}

	if err := l.client.Set(ctx, doneKey, eventType, l.retention).Err(); err != nil {
		return false, fmt.Errorf("commit processed event: %w", err)
	}
	return false, nil
}

// Ping checks Redis connectivity (used for readiness probes).
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (l *RedisLedger) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

func (l *RedisLedger) release(lockKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, l.client, []string{lockKey}, token).Err()
}
