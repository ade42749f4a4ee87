package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/rcourtman/memberd/internal/errors"
)

const isolatedLedgerTestRedisDB = 13

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: isolatedLedgerTestRedisDB})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	err := client.Ping(ctx).Err()
	cancel()
	if err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", err)
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("failed to flush redis db: %v", err)
	}
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func TestRedisLedgerRunsOnce(t *testing.T) {
	l := NewRedisLedgerWithClient(newTestRedisClient(t), time.Minute)
	ctx := context.Background()

	var calls int
	fn := func(context.Context) error { calls++; return nil }

	already, err := l.Do(ctx, "evt_r1", "invoice.payment_failed", fn)
	require.NoError(t, err)
	assert.False(t, already)

	already, err = l.Do(ctx, "evt_r1", "invoice.payment_failed", fn)
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, 1, calls)
}

func TestRedisLedgerInFlightAndRelease(t *testing.T) {
	client := newTestRedisClient(t)
	l := NewRedisLedgerWithClient(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, redisLedgerPrefix+"evt_r2:lock", "other", time.Minute).Err())
	_, err := l.Do(ctx, "evt_r2", "x", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, merrors.ErrEventInFlight)

	require.NoError(t, client.Del(ctx, redisLedgerPrefix+"evt_r2:lock").Err())
	boom := errors.New("boom")
	_, err = l.Do(ctx, "evt_r2", "x", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	already, err := l.Do(ctx, "evt_r2", "x", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, already)
}
