package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/rcourtman/memberd/internal/errors"
)

func TestSQLLedgerRunsOnce(t *testing.T) {
	l := NewSQLLedger(newTestStore(t), 0)
	ctx := context.Background()

	var calls int
	fn := func(context.Context) error { calls++; return nil }

	already, err := l.Do(ctx, "evt_1", "invoice.payment_succeeded", fn)
	require.NoError(t, err)
	assert.False(t, already)

	already, err = l.Do(ctx, "evt_1", "invoice.payment_succeeded", fn)
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, 1, calls)
}

func TestSQLLedgerReleasesOnFailure(t *testing.T) {
	l := NewSQLLedger(newTestStore(t), 0)
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := l.Do(ctx, "evt_2", "x", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	var ran bool
	already, err := l.Do(ctx, "evt_2", "x", func(context.Context) error { ran = true; return nil })
	require.NoError(t, err)
	assert.False(t, already)
	assert.True(t, ran)
}

func TestSQLLedgerInFlightDelivery(t *testing.T) {
	l := NewSQLLedger(newTestStore(t), time.Hour)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = l.Do(ctx, "evt_3", "x", func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	_, err := l.Do(ctx, "evt_3", "x", func(context.Context) error {
		t.Error("handler must not run while another delivery holds the event")
		return nil
	})
	assert.ErrorIs(t, err, merrors.ErrEventInFlight)

	close(release)
	wg.Wait()

	already, err := l.Do(ctx, "evt_3", "x", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, already)
}

func TestSQLLedgerBreaksStaleLock(t *testing.T) {
	l := NewSQLLedger(newTestStore(t), time.Minute)
	ctx := context.Background()

	base := time.Unix(1_800_000_000, 0)
	l.now = func() time.Time { return base }
	_, _, err := l.acquire(ctx, "evt_4", "x")
	require.NoError(t, err)

	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	var calls atomic.Int32
	already, err := l.Do(ctx, "evt_4", "x", func(context.Context) error { calls.Add(1); return nil })
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSQLLedgerRejectsEmptyID(t *testing.T) {
	l := NewSQLLedger(newTestStore(t), 0)
	_, err := l.Do(context.Background(), " ", "x", func(context.Context) error { return nil })
	assert.Error(t, err)
}
