// Package store persists members, the discrepancy log, sync reports, and the
// processed-event ledger in SQLite (default) or Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	merrors "github.com/rcourtman/memberd/internal/errors"
	"github.com/rcourtman/memberd/internal/membership/subscription"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrDuplicate is returned when a write would violate a uniqueness constraint
// (email or Stripe customer ID).
var ErrDuplicate = errors.New("duplicate member")

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store provides member persistence backed by SQL.
type Store struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// Open picks Postgres when databaseURL is set, otherwise a SQLite file in dataDir.
func Open(databaseURL, dataDir string) (*Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(databaseURL)
	}
	return NewSQLiteStore(dataDir)
}

// NewSQLiteStore opens (or creates) the member database in dir.
func NewSQLiteStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "members.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open member db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return newStore(db, DriverSQLite)
}

// NewPostgresStore connects to Postgres using a lib/pq connection string.
func NewPostgresStore(dsn string) (*Store, error) {
	db, err := sqlx.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return newStore(db, DriverPostgres)
}

func newStore(db *sqlx.DB, driver string) (*Store, error) {
	s := &Store{db: db, driver: driver, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS members (
			id                   TEXT PRIMARY KEY,
			email                TEXT NOT NULL,
			first_name           TEXT NOT NULL DEFAULT '',
			last_name            TEXT NOT NULL DEFAULT '',
			membership_type      TEXT NOT NULL DEFAULT 'standard',
			subscription_status  TEXT NOT NULL DEFAULT 'inactive',
			stripe_customer_id   TEXT,
			subscription_id      TEXT NOT NULL DEFAULT '',
			current_period_end   BIGINT,
			cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
			last_verified_at     BIGINT,
			last_event_at        BIGINT,
			is_active            INTEGER NOT NULL DEFAULT 1,
			version              BIGINT NOT NULL DEFAULT 1,
			created_at           BIGINT NOT NULL,
			updated_at           BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_members_email ON members(email)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_members_stripe_customer_id ON members(stripe_customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_members_status ON members(subscription_status)`,
		`CREATE TABLE IF NOT EXISTS discrepancy_log (
			id                 TEXT PRIMARY KEY,
			member_id          TEXT NOT NULL,
			stripe_customer_id TEXT NOT NULL,
			db_status          TEXT NOT NULL,
			stripe_status      TEXT NOT NULL,
			detected_at        BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancy_member ON discrepancy_log(member_id)`,
		`CREATE TABLE IF NOT EXISTS sync_reports (
			id                  TEXT PRIMARY KEY,
			run_at              BIGINT NOT NULL,
			total_members       INTEGER NOT NULL,
			verified            INTEGER NOT NULL,
			discrepancies_found INTEGER NOT NULL,
			discrepancies_fixed INTEGER NOT NULL,
			errors              INTEGER NOT NULL,
			error_details       TEXT NOT NULL DEFAULT '[]',
			partial             INTEGER NOT NULL DEFAULT 0,
			duration_ms         BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			event_id     TEXT PRIMARY KEY,
			event_type   TEXT NOT NULL DEFAULT '',
			state        TEXT NOT NULL,
			started_at   BIGINT NOT NULL,
			completed_at BIGINT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init member store schema: %w", err)
		}
	}
	return nil
}

// Driver returns the SQL driver name in use.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const memberColumns = `id, email, first_name, last_name, membership_type, subscription_status,
	stripe_customer_id, subscription_id, current_period_end, cancel_at_period_end,
	last_verified_at, last_event_at, is_active, version, created_at, updated_at`

type memberRow struct {
	ID                string         `db:"id"`
	Email             string         `db:"email"`
	FirstName         string         `db:"first_name"`
	LastName          string         `db:"last_name"`
	MembershipType    string         `db:"membership_type"`
	Status            string         `db:"subscription_status"`
	StripeCustomerID  sql.NullString `db:"stripe_customer_id"`
	SubscriptionID    string         `db:"subscription_id"`
	CurrentPeriodEnd  sql.NullInt64  `db:"current_period_end"`
	CancelAtPeriodEnd int            `db:"cancel_at_period_end"`
	LastVerifiedAt    sql.NullInt64  `db:"last_verified_at"`
	LastEventAt       sql.NullInt64  `db:"last_event_at"`
	IsActive          int            `db:"is_active"`
	Version           int64          `db:"version"`
	CreatedAt         int64          `db:"created_at"`
	UpdatedAt         int64          `db:"updated_at"`
}

func toRow(m *Member) memberRow {
	return memberRow{
		ID:                m.ID,
		Email:             m.Email,
		FirstName:         m.FirstName,
		LastName:          m.LastName,
		MembershipType:    m.MembershipType,
		Status:            string(m.Status),
		StripeCustomerID:  sql.NullString{String: m.StripeCustomerID, Valid: m.StripeCustomerID != ""},
		SubscriptionID:    m.SubscriptionID,
		CurrentPeriodEnd:  nullableTimeUnix(m.CurrentPeriodEnd),
		CancelAtPeriodEnd: boolToInt(m.CancelAtPeriodEnd),
		LastVerifiedAt:    nullableTimeUnix(m.LastVerifiedAt),
		LastEventAt:       nullableTimeUnix(m.LastEventAt),
		IsActive:          boolToInt(m.IsActive),
		Version:           m.Version,
		CreatedAt:         m.CreatedAt.Unix(),
		UpdatedAt:         m.UpdatedAt.Unix(),
	}
}

func (r memberRow) toMember() *Member {
	return &Member{
		ID:                r.ID,
		Email:             r.Email,
		FirstName:         r.FirstName,
		LastName:          r.LastName,
		MembershipType:    r.MembershipType,
		Status:            subscription.Status(r.Status),
		StripeCustomerID:  r.StripeCustomerID.String,
		SubscriptionID:    r.SubscriptionID,
		CurrentPeriodEnd:  timeFromNullable(r.CurrentPeriodEnd),
		CancelAtPeriodEnd: r.CancelAtPeriodEnd != 0,
		LastVerifiedAt:    timeFromNullable(r.LastVerifiedAt),
		LastEventAt:       timeFromNullable(r.LastEventAt),
		IsActive:          r.IsActive != 0,
		Version:           r.Version,
		CreatedAt:         time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:         time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

// CreateMember inserts a new member. Missing ID, status, and membership type
// are filled in. Returns ErrDuplicate when the email or customer ID is taken.
func (s *Store) CreateMember(ctx context.Context, m *Member) error {
	if m == nil {
		return fmt.Errorf("member is nil")
	}
	m.Email = NormalizeEmail(m.Email)
	if m.Email == "" {
		return fmt.Errorf("member email is required")
	}
	if m.ID == "" {
		id, err := GenerateMemberID()
		if err != nil {
			return err
		}
		m.ID = id
	}
	if m.Status == "" {
		m.Status = subscription.StatusInactive
	}
	if m.MembershipType == "" {
		m.MembershipType = DefaultMembershipType
	}
	now := s.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Version = 1

	_, err := s.db.NamedExecContext(ctx, `INSERT INTO members (`+memberColumns+`) VALUES (
		:id, :email, :first_name, :last_name, :membership_type, :subscription_status,
		:stripe_customer_id, :subscription_id, :current_period_end, :cancel_at_period_end,
		:last_verified_at, :last_event_at, :is_active, :version, :created_at, :updated_at)`,
		toRow(m))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create member %s: %w", m.Email, ErrDuplicate)
		}
		return fmt.Errorf("create member: %w", err)
	}
	return nil
}

// GetMember retrieves a member by ID. It returns nil, nil when none exists.
func (s *Store) GetMember(ctx context.Context, id string) (*Member, error) {
	return s.getOne(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ?`, id)
}

// GetMemberByEmail retrieves a member by (normalized) email address.
func (s *Store) GetMemberByEmail(ctx context.Context, email string) (*Member, error) {
	return s.getOne(ctx, `SELECT `+memberColumns+` FROM members WHERE email = ?`, NormalizeEmail(email))
}

// GetMemberByStripeCustomerID retrieves a member by Stripe customer ID.
func (s *Store) GetMemberByStripeCustomerID(ctx context.Context, customerID string) (*Member, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, nil
	}
	return s.getOne(ctx, `SELECT `+memberColumns+` FROM members WHERE stripe_customer_id = ?`, customerID)
}

func (s *Store) getOne(ctx context.Context, query string, args ...any) (*Member, error) {
	var row memberRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get member: %w", err)
	}
	return row.toMember(), nil
}

// UpdateMember writes every mutable field of m, guarded by m.Version. When
// another writer got there first it returns an error matching
// errors.ErrVersionConflict and the caller should re-read and re-apply.
// On success m.Version is advanced.
func (s *Store) UpdateMember(ctx context.Context, m *Member) error {
	if m == nil {
		return fmt.Errorf("member is nil")
	}
	m.Email = NormalizeEmail(m.Email)
	m.UpdatedAt = s.now().UTC()

	res, err := s.db.NamedExecContext(ctx, `UPDATE members SET
		email = :email, first_name = :first_name, last_name = :last_name,
		membership_type = :membership_type, subscription_status = :subscription_status,
		stripe_customer_id = :stripe_customer_id, subscription_id = :subscription_id,
		current_period_end = :current_period_end, cancel_at_period_end = :cancel_at_period_end,
		last_verified_at = :last_verified_at, last_event_at = :last_event_at,
		is_active = :is_active, updated_at = :updated_at, version = version + 1
		WHERE id = :id AND version = :version`, toRow(m))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update member %s: %w", m.ID, ErrDuplicate)
		}
		return fmt.Errorf("update member: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		existing, getErr := s.GetMember(ctx, m.ID)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return fmt.Errorf("member %q not found", m.ID)
		}
		return fmt.Errorf("update member %s at version %d: %w", m.ID, m.Version, merrors.ErrVersionConflict)
	}
	m.Version++
	return nil
}

// ListBillableMembers returns every member linked to a Stripe customer, oldest first.
func (s *Store) ListBillableMembers(ctx context.Context) ([]*Member, error) {
	var rows []memberRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+memberColumns+` FROM members
		WHERE stripe_customer_id IS NOT NULL AND stripe_customer_id <> ''
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list billable members: %w", err)
	}
	members := make([]*Member, 0, len(rows))
	for _, r := range rows {
		members = append(members, r.toMember())
	}
	return members, nil
}

// TouchVerified records that the member's status was confirmed against Stripe.
// It does not advance the version: verification never changes member state.
func (s *Store) TouchVerified(ctx context.Context, memberID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE members SET last_verified_at = ? WHERE id = ?`),
		at.UTC().Unix(), memberID)
	if err != nil {
		return fmt.Errorf("touch verified: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("member %q not found", memberID)
	}
	return nil
}

// CountByStatus returns the number of active member records per subscription status.
func (s *Store) CountByStatus(ctx context.Context) (map[subscription.Status]int, error) {
	var rows []struct {
		Status string `db:"subscription_status"`
		N      int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, `SELECT subscription_status, COUNT(*) AS n
		FROM members WHERE is_active = 1 GROUP BY subscription_status`)
	if err != nil {
		return nil, fmt.Errorf("count members by status: %w", err)
	}
	counts := make(map[subscription.Status]int, len(rows))
	for _, r := range rows {
		counts[subscription.Status(r.Status)] = r.N
	}
	return counts, nil
}

// AppendDiscrepancy writes a discrepancy log entry. Entries are never updated.
func (s *Store) AppendDiscrepancy(ctx context.Context, d *DiscrepancyRecord) error {
	if d == nil {
		return fmt.Errorf("discrepancy is nil")
	}
	if d.DetectedAt.IsZero() {
		d.DetectedAt = s.now().UTC()
	}
	if d.ID == "" {
		d.ID = NewRecordID(d.DetectedAt)
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO discrepancy_log
		(id, member_id, stripe_customer_id, db_status, stripe_status, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		d.ID, d.MemberID, d.StripeCustomerID, d.DBStatus, d.StripeStatus, d.DetectedAt.Unix())
	if err != nil {
		return fmt.Errorf("append discrepancy: %w", err)
	}
	return nil
}

// ListDiscrepancies returns the discrepancy log for one member, oldest first.
func (s *Store) ListDiscrepancies(ctx context.Context, memberID string) ([]*DiscrepancyRecord, error) {
	var rows []struct {
		ID               string `db:"id"`
		MemberID         string `db:"member_id"`
		StripeCustomerID string `db:"stripe_customer_id"`
		DBStatus         string `db:"db_status"`
		StripeStatus     string `db:"stripe_status"`
		DetectedAt       int64  `db:"detected_at"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT id, member_id, stripe_customer_id,
		db_status, stripe_status, detected_at FROM discrepancy_log WHERE member_id = ? ORDER BY id`), memberID)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	out := make([]*DiscrepancyRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, &DiscrepancyRecord{
			ID:               r.ID,
			MemberID:         r.MemberID,
			StripeCustomerID: r.StripeCustomerID,
			DBStatus:         r.DBStatus,
			StripeStatus:     r.StripeStatus,
			DetectedAt:       time.Unix(r.DetectedAt, 0).UTC(),
		})
	}
	return out, nil
}

type syncReportRow struct {
	ID                 string `db:"id"`
	RunAt              int64  `db:"run_at"`
	TotalMembers       int    `db:"total_members"`
	Verified           int    `db:"verified"`
	DiscrepanciesFound int    `db:"discrepancies_found"`
	DiscrepanciesFixed int    `db:"discrepancies_fixed"`
	Errors             int    `db:"errors"`
	ErrorDetails       string `db:"error_details"`
	Partial            int    `db:"partial"`
	DurationMS         int64  `db:"duration_ms"`
}

// SaveSyncReport persists a reconciliation summary.
func (s *Store) SaveSyncReport(ctx context.Context, r *SyncReport) error {
	if r == nil {
		return fmt.Errorf("sync report is nil")
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now().UTC()
	}
	if r.ID == "" {
		r.ID = NewRecordID(r.Timestamp)
	}
	details := r.ErrorDetails
	if details == nil {
		details = []ErrorDetail{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode error details: %w", err)
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO sync_reports
		(id, run_at, total_members, verified, discrepancies_found, discrepancies_fixed,
		 errors, error_details, partial, duration_ms)
		VALUES (:id, :run_at, :total_members, :verified, :discrepancies_found, :discrepancies_fixed,
		 :errors, :error_details, :partial, :duration_ms)`, syncReportRow{
		ID:                 r.ID,
		RunAt:              r.Timestamp.Unix(),
		TotalMembers:       r.TotalMembers,
		Verified:           r.Verified,
		DiscrepanciesFound: r.DiscrepanciesFound,
		DiscrepanciesFixed: r.DiscrepanciesFixed,
		Errors:             r.Errors,
		ErrorDetails:       string(encoded),
		Partial:            boolToInt(r.Partial),
		DurationMS:         r.DurationMS,
	})
	if err != nil {
		return fmt.Errorf("save sync report: %w", err)
	}
	return nil
}

// LatestSyncReport returns the most recent persisted report, or nil.
func (s *Store) LatestSyncReport(ctx context.Context) (*SyncReport, error) {
	var row syncReportRow
	err := s.db.GetContext(ctx, &row, `SELECT id, run_at, total_members, verified,
		discrepancies_found, discrepancies_fixed, errors, error_details, partial, duration_ms
		FROM sync_reports ORDER BY run_at DESC, id DESC LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest sync report: %w", err)
	}
	r := &SyncReport{
		ID:                 row.ID,
		Timestamp:          time.Unix(row.RunAt, 0).UTC(),
		TotalMembers:       row.TotalMembers,
		Verified:           row.Verified,
		DiscrepanciesFound: row.DiscrepanciesFound,
		DiscrepanciesFixed: row.DiscrepanciesFixed,
		Errors:             row.Errors,
		Partial:            row.Partial != 0,
		DurationMS:         row.DurationMS,
	}
	if err := json.Unmarshal([]byte(row.ErrorDetails), &r.ErrorDetails); err != nil {
		return nil, fmt.Errorf("decode error details: %w", err)
	}
	return r, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		switch code {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(liteErr.Error(), "UNIQUE")
		}
	}
	return false
}

func nullableTimeUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timeFromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
