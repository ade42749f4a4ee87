package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/rcourtman/memberd/internal/errors"
	"github.com/rcourtman/memberd/internal/membership/subscription"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createMember(t *testing.T, s *Store, email, customerID string, status subscription.Status) *Member {
	t.Helper()
	m := &Member{
		Email:            email,
		FirstName:        "Ada",
		LastName:         "Lovelace",
		Status:           status,
		StripeCustomerID: customerID,
		IsActive:         true,
	}
	require.NoError(t, s.CreateMember(context.Background(), m))
	return m
}

func TestGenerateMemberID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateMemberID()
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(id, "m_"), id)
		require.Len(t, id, 12)
		for _, c := range id[2:] {
			require.Truef(t, strings.ContainsRune(crockfordBase32, c), "character %q not in alphabet", c)
		}
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestCreateAndGetMember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := createMember(t, s, "  Ada@Example.COM ", "cus_1", subscription.StatusActive)
	assert.Equal(t, "ada@example.com", m.Email)
	assert.Equal(t, DefaultMembershipType, m.MembershipType)
	assert.Equal(t, int64(1), m.Version)

	got, err := s.GetMember(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "cus_1", got.StripeCustomerID)
	assert.Equal(t, subscription.StatusActive, got.Status)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.CurrentPeriodEnd)

	byEmail, err := s.GetMemberByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	require.NotNil(t, byEmail)
	assert.Equal(t, m.ID, byEmail.ID)

	byCustomer, err := s.GetMemberByStripeCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	require.NotNil(t, byCustomer)
	assert.Equal(t, m.ID, byCustomer.ID)

	missing, err := s.GetMemberByStripeCustomerID(ctx, "cus_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateMemberDefaultsStatusToInactive(t *testing.T) {
	s := newTestStore(t)
	m := createMember(t, s, "new@example.com", "", "")
	assert.Equal(t, subscription.StatusInactive, m.Status)
}

func TestCustomerIDAndEmailAreUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createMember(t, s, "a@example.com", "cus_dup", subscription.StatusActive)

	err := s.CreateMember(ctx, &Member{Email: "b@example.com", StripeCustomerID: "cus_dup"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicate))

	err = s.CreateMember(ctx, &Member{Email: "A@example.com"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicate))

	// Members without a customer ID do not collide with each other.
	createMember(t, s, "c@example.com", "", subscription.StatusInactive)
	createMember(t, s, "d@example.com", "", subscription.StatusInactive)
}

func TestUpdateMemberOptimisticConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := createMember(t, s, "occ@example.com", "cus_occ", subscription.StatusActive)

	first, err := s.GetMember(ctx, m.ID)
	require.NoError(t, err)
	second, err := s.GetMember(ctx, m.ID)
	require.NoError(t, err)

	end := time.Unix(1_900_000_000, 0).UTC()
	first.Status = subscription.StatusPastDue
	first.CurrentPeriodEnd = &end
	first.CancelAtPeriodEnd = true
	require.NoError(t, s.UpdateMember(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Status = subscription.StatusCanceled
	err = s.UpdateMember(ctx, second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, merrors.ErrVersionConflict))

	got, err := s.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, got.Status)
	assert.True(t, got.CancelAtPeriodEnd)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.True(t, end.Equal(*got.CurrentPeriodEnd))
}

func TestUpdateMemberNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateMember(context.Background(), &Member{ID: "m_missing", Email: "x@example.com", Version: 1})
	require.Error(t, err)
	assert.False(t, errors.Is(err, merrors.ErrVersionConflict))
}

func TestListBillableMembersSkipsMembersWithoutCustomer(t *testing.T) {
	s := newTestStore(t)
	createMember(t, s, "one@example.com", "cus_1", subscription.StatusActive)
	createMember(t, s, "two@example.com", "", subscription.StatusInactive)
	createMember(t, s, "three@example.com", "cus_3", subscription.StatusPastDue)

	members, err := s.ListBillableMembers(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 2)
	for _, m := range members {
		assert.NotEmpty(t, m.StripeCustomerID)
	}
}

func TestTouchVerifiedKeepsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := createMember(t, s, "v@example.com", "cus_v", subscription.StatusActive)

	at := time.Unix(1_800_000_000, 0)
	require.NoError(t, s.TouchVerified(ctx, m.ID, at))

	got, err := s.GetMember(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastVerifiedAt)
	assert.Equal(t, at.Unix(), got.LastVerifiedAt.Unix())
	assert.Equal(t, m.Version, got.Version)

	assert.Error(t, s.TouchVerified(ctx, "m_nope", at))
}

func TestDiscrepancyLogIsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := createMember(t, s, "d@example.com", "cus_d", subscription.StatusActive)

	for _, stripeStatus := range []string{"canceled", "past_due"} {
		require.NoError(t, s.AppendDiscrepancy(ctx, &DiscrepancyRecord{
			MemberID:         m.ID,
			StripeCustomerID: "cus_d",
			DBStatus:         "active",
			StripeStatus:     stripeStatus,
		}))
	}

	records, err := s.ListDiscrepancies(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.NotEqual(t, records[0].ID, records[1].ID)
	assert.Equal(t, "canceled", records[0].StripeStatus)
	assert.Equal(t, "past_due", records[1].StripeStatus)

	other, err := s.ListDiscrepancies(ctx, "m_other")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestNewRecordIDOrdersWithinMillisecond(t *testing.T) {
	at := time.UnixMilli(1_800_000_000_123)
	prev := NewRecordID(at)
	for i := 0; i < 500; i++ {
		id := NewRecordID(at)
		require.Less(t, prev, id)
		prev = id
	}
}

func TestDiscrepancyLogKeepsInsertionOrderWithinMillisecond(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := createMember(t, s, "burst@example.com", "cus_burst", subscription.StatusActive)
	detected := time.UnixMilli(1_800_000_000_000).UTC()

	statuses := []string{"canceled", "past_due", "unpaid", "trialing", "incomplete", "active", "canceled", "unpaid"}
	for _, stripeStatus := range statuses {
		require.NoError(t, s.AppendDiscrepancy(ctx, &DiscrepancyRecord{
			MemberID:         m.ID,
			StripeCustomerID: "cus_burst",
			DBStatus:         "active",
			StripeStatus:     stripeStatus,
			DetectedAt:       detected,
		}))
	}

	records, err := s.ListDiscrepancies(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, records, len(statuses))
	for i, r := range records {
		assert.Equal(t, statuses[i], r.StripeStatus, "record %d", i)
	}
}

func TestLatestSyncReportPrefersLaterSaveInSameSecond(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Unix(1_800_000_000, 0).UTC()

	first := &SyncReport{Timestamp: at, TotalMembers: 1}
	second := &SyncReport{Timestamp: at, TotalMembers: 2}
	require.NoError(t, s.SaveSyncReport(ctx, first))
	require.NoError(t, s.SaveSyncReport(ctx, second))

	latest, err := s.LatestSyncReport(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, 2, latest.TotalMembers)
}

func TestMemberDisplayName(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", (&Member{FirstName: " Ada ", LastName: "Lovelace"}).DisplayName())
	assert.Equal(t, "Ada", (&Member{FirstName: "Ada"}).DisplayName())
	assert.Equal(t, "", (&Member{Email: "a@example.com"}).DisplayName())
}

func TestSyncReportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	none, err := s.LatestSyncReport(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	report := &SyncReport{
		Timestamp:          time.Unix(1_800_000_000, 0).UTC(),
		TotalMembers:       3,
		Verified:           2,
		DiscrepanciesFound: 1,
		DiscrepanciesFixed: 1,
		Errors:             1,
		ErrorDetails:       []ErrorDetail{{MemberEmail: "x@example.com", Error: "boom"}},
		Partial:            true,
		DurationMS:         42,
	}
	require.NoError(t, s.SaveSyncReport(ctx, report))
	require.NotEmpty(t, report.ID)

	got, err := s.LatestSyncReport(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, report.ID, got.ID)
	assert.Equal(t, 1, got.Errors)
	assert.True(t, got.Partial)
	assert.Equal(t, report.ErrorDetails, got.ErrorDetails)
}

func TestCountByStatus(t *testing.T) {
	s := newTestStore(t)
	createMember(t, s, "a@example.com", "cus_a", subscription.StatusActive)
	createMember(t, s, "b@example.com", "cus_b", subscription.StatusActive)
	createMember(t, s, "c@example.com", "cus_c", subscription.StatusPastDue)

	counts, err := s.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[subscription.StatusActive])
	assert.Equal(t, 1, counts[subscription.StatusPastDue])
}
