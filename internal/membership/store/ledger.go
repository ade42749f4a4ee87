package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	merrors "github.com/rcourtman/memberd/internal/errors"
)

const (
	eventStateProcessing = "processing"
	eventStateDone       = "done"

	// DefaultLedgerLockTTL bounds how long a crashed delivery can hold an event.
	DefaultLedgerLockTTL = 5 * time.Minute
)

// SQLLedger records processed Stripe event IDs in the processed_events table
// so redelivered events are applied at most once.
type SQLLedger struct {
	store   *Store
	lockTTL time.Duration
	now     func() time.Time
}

// NewSQLLedger returns a ledger sharing the store's database.
func NewSQLLedger(s *Store, lockTTL time.Duration) *SQLLedger {
	if lockTTL <= 0 {
		lockTTL = DefaultLedgerLockTTL
	}
	return &SQLLedger{store: s, lockTTL: lockTTL, now: time.Now}
}

// Do runs fn once per event ID. It reports already=true when the event was
// completed by an earlier delivery. When another delivery currently holds the
// event it returns errors.ErrEventInFlight. A failing fn releases the event so
// the next delivery re-runs it.
func (l *SQLLedger) Do(ctx context.Context, eventID, eventType string, fn func(context.Context) error) (already bool, err error) {
	if l == nil || l.store == nil {
		return false, errors.New("ledger is nil")
	}
	if strings.TrimSpace(eventID) == "" {
		return false, errors.New("event id is required")
	}
	if fn == nil {
		return false, errors.New("handler is required")
	}

	acquired, done, err := l.acquire(ctx, eventID, eventType)
	if err != nil {
		return false, err
	}
	if done {
		return true, nil
	}
	if !acquired {
		return false, merrors.ErrEventInFlight
	}

	if err := fn(ctx); err != nil {
		l.release(eventID)
		return false, err
	}

	db := l.store.db
	_, err = db.ExecContext(ctx, db.Rebind(`UPDATE processed_events SET state = ?, completed_at = ? WHERE event_id = ?`),
		eventStateDone, l.now().UTC().Unix(), eventID)
	if err != nil {
		l.release(eventID)
		return false, fmt.Errorf("commit processed event: %w", err)
	}
	return false, nil
}

func (l *SQLLedger) acquire(ctx context.Context, eventID, eventType string) (acquired, done bool, err error) {
	db := l.store.db
	now := l.now().UTC().Unix()

	res, err := db.ExecContext(ctx, db.Rebind(`INSERT INTO processed_events (event_id, event_type, state, started_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (event_id) DO NOTHING`),
		eventID, eventType, eventStateProcessing, now)
	if err != nil {
		return false, false, fmt.Errorf("claim event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, false, nil
	}

	var existing struct {
		State     string `db:"state"`
		StartedAt int64  `db:"started_at"`
	}
	err = db.GetContext(ctx, &existing, db.Rebind(`SELECT state, started_at FROM processed_events WHERE event_id = ?`), eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Released between our insert and select; let the provider retry.
			return false, false, nil
		}
		return false, false, fmt.Errorf("read processed event: %w", err)
	}
	if existing.State == eventStateDone {
		return false, true, nil
	}

	// Break stale locks (e.g. process crash) so retries can succeed.
	if now-existing.StartedAt > int64(l.lockTTL/time.Second) {
		res, err := db.ExecContext(ctx, db.Rebind(`UPDATE processed_events SET started_at = ?
			WHERE event_id = ? AND state = ? AND started_at = ?`),
			now, eventID, eventStateProcessing, existing.StartedAt)
		if err != nil {
			return false, false, fmt.Errorf("reclaim event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return true, false, nil
		}
	}
	return false, false, nil
}

// release removes the in-flight claim. It uses a fresh context so a cancelled
// request still frees the event.
func (l *SQLLedger) release(eventID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := l.store.db
	_, _ = db.ExecContext(ctx, db.Rebind(`DELETE FROM processed_events WHERE event_id = ? AND state = ?`),
		eventID, eventStateProcessing)
}
