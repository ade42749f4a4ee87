package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/rcourtman/memberd/internal/errors"
	"github.com/rcourtman/memberd/internal/membership/store"
	"github.com/rcourtman/memberd/internal/membership/stripe"
	"github.com/rcourtman/memberd/internal/membership/subscription"
)

type fakeProvider struct {
	mu          sync.Mutex
	subs        map[string]*stripe.SubscriptionSnapshot
	errs        map[string]error
	calls       int
	inFlight    int
	maxInFlight int
	delay       time.Duration
	entered     chan struct{}
	gate        chan struct{}
	hang        map[string]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subs: make(map[string]*stripe.SubscriptionSnapshot),
		errs: make(map[string]error),
	}
}

func (f *fakeProvider) LatestSubscription(ctx context.Context, customerID string) (*stripe.SubscriptionSnapshot, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	entered, gate, hang := f.entered, f.gate, f.hang[customerID]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[customerID]; err != nil {
		return nil, err
	}
	return f.subs[customerID], nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedMember(t *testing.T, s *store.Store, email, customerID string, status subscription.Status) *store.Member {
	t.Helper()
	m := &store.Member{
		Email:            email,
		FirstName:        "Grace",
		LastName:         "Hopper",
		Status:           status,
		StripeCustomerID: customerID,
		SubscriptionID:   "sub_old",
		IsActive:         true,
	}
	require.NoError(t, s.CreateMember(context.Background(), m))
	return m
}

func reload(t *testing.T, s *store.Store, id string) *store.Member {
	t.Helper()
	m, err := s.GetMember(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m
}

func noDelay() Config {
	return Config{BatchDelay: 0}
}

func TestRunOnceRepairsDivergentMember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedMember(t, s, "drift@example.com", "cus_drift", subscription.StatusActive)

	end := time.Unix(1_750_000_000, 0).UTC()
	p := newFakeProvider()
	p.subs["cus_drift"] = &stripe.SubscriptionSnapshot{
		ID:                "sub_new",
		Status:            "past_due",
		CurrentPeriodEnd:  &end,
		CancelAtPeriodEnd: true,
	}

	report, err := New(s, p, noDelay()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalMembers)
	assert.Equal(t, 1, report.DiscrepanciesFound)
	assert.Equal(t, 1, report.DiscrepanciesFixed)
	assert.Equal(t, 0, report.Verified)
	assert.Equal(t, 0, report.Errors)
	assert.False(t, report.Partial)

	got := reload(t, s, m.ID)
	assert.Equal(t, subscription.StatusPastDue, got.Status)
	assert.Equal(t, "sub_new", got.SubscriptionID)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.True(t, end.Equal(*got.CurrentPeriodEnd))
	assert.True(t, got.CancelAtPeriodEnd)
	require.NotNil(t, got.LastVerifiedAt)

	discrepancies, err := s.ListDiscrepancies(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, discrepancies, 1)
	assert.Equal(t, "active", discrepancies[0].DBStatus)
	assert.Equal(t, "past_due", discrepancies[0].StripeStatus)
	assert.Equal(t, "cus_drift", discrepancies[0].StripeCustomerID)
}

func TestRunOnceMatchingMemberOnlyTouchesVerification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedMember(t, s, "steady@example.com", "cus_steady", subscription.StatusActive)
	require.Nil(t, m.LastVerifiedAt)

	p := newFakeProvider()
	p.subs["cus_steady"] = &stripe.SubscriptionSnapshot{ID: "sub_other", Status: "active", CancelAtPeriodEnd: true}

	report, err := New(s, p, noDelay()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Verified)
	assert.Equal(t, 0, report.DiscrepanciesFound)

	got := reload(t, s, m.ID)
	require.NotNil(t, got.LastVerifiedAt)
	assert.Equal(t, m.Version, got.Version)
	assert.Equal(t, "sub_old", got.SubscriptionID)
	assert.False(t, got.CancelAtPeriodEnd)

	discrepancies, err := s.ListDiscrepancies(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, discrepancies)
}

func TestRunOnceCustomerWithoutSubscriptionBecomesInactive(t *testing.T) {
	s := newTestStore(t)
	m := seedMember(t, s, "gone@example.com", "cus_gone", subscription.StatusActive)

	report, err := New(s, newFakeProvider(), noDelay()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DiscrepanciesFixed)

	got := reload(t, s, m.ID)
	assert.Equal(t, subscription.StatusInactive, got.Status)
	assert.Empty(t, got.SubscriptionID)
	assert.Nil(t, got.CurrentPeriodEnd)
}

func TestRunOnceIsolatesMemberFailures(t *testing.T) {
	s := newTestStore(t)
	a := seedMember(t, s, "a@example.com", "cus_a", subscription.StatusActive)
	b := seedMember(t, s, "b@example.com", "cus_b", subscription.StatusActive)
	c := seedMember(t, s, "c@example.com", "cus_c", subscription.StatusActive)

	p := newFakeProvider()
	p.subs["cus_a"] = &stripe.SubscriptionSnapshot{ID: "sub_a", Status: "active"}
	p.errs["cus_b"] = merrors.New(merrors.KindProviderUnavailable, "list_subscriptions", errors.New("stripe timeout"))
	p.subs["cus_c"] = &stripe.SubscriptionSnapshot{ID: "sub_c", Status: "canceled"}

	report, err := New(s, p, noDelay()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalMembers)
	assert.Equal(t, 1, report.Errors)
	require.Len(t, report.ErrorDetails, 1)
	assert.Equal(t, "b@example.com", report.ErrorDetails[0].MemberEmail)
	assert.Contains(t, report.ErrorDetails[0].Error, "stripe timeout")
	assert.Equal(t, 1, report.Verified)
	assert.Equal(t, 1, report.DiscrepanciesFixed)

	assert.NotNil(t, reload(t, s, a.ID).LastVerifiedAt)
	assert.Nil(t, reload(t, s, b.ID).LastVerifiedAt)
	assert.Equal(t, subscription.StatusCanceled, reload(t, s, c.ID).Status)
}

func TestRunOnceSkipsMembersWithoutCustomer(t *testing.T) {
	s := newTestStore(t)
	seedMember(t, s, "free@example.com", "", subscription.StatusInactive)

	p := newFakeProvider()
	report, err := New(s, p, noDelay()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.TotalMembers)
	assert.Equal(t, 0, p.calls)
}

func TestRunOnceBoundsConcurrencyToBatch(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		seedMember(t, s, "batch"+id+"@example.com", "cus_batch"+id, subscription.StatusInactive)
	}
	p := newFakeProvider()
	p.delay = 10 * time.Millisecond

	report, err := New(s, p, Config{BatchSize: 2}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Verified)
	assert.Equal(t, 5, p.calls)
	assert.LessOrEqual(t, p.maxInFlight, 2)
}

func TestRunOnceDeadlineProducesPartialReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		seedMember(t, s, "slow"+id+"@example.com", "cus_slow"+id, subscription.StatusInactive)
	}

	r := New(s, newFakeProvider(), Config{BatchSize: 1, BatchDelay: time.Second, RunTimeout: 200 * time.Millisecond})
	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Partial)
	assert.Equal(t, 3, report.TotalMembers)
	assert.Equal(t, 1, report.Verified)

	saved, err := s.LatestSyncReport(ctx)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, report.ID, saved.ID)
	assert.True(t, saved.Partial)
}

type failingReportStore struct {
	*store.Store
}

func (failingReportStore) SaveSyncReport(context.Context, *store.SyncReport) error {
	return errors.New("reports table is read-only")
}

func TestRunOnceReportPersistenceFailureIsSwallowed(t *testing.T) {
	s := newTestStore(t)
	seedMember(t, s, "x@example.com", "cus_x", subscription.StatusActive)
	p := newFakeProvider()
	p.subs["cus_x"] = &stripe.SubscriptionSnapshot{ID: "sub_x", Status: "active"}

	report, err := New(failingReportStore{s}, p, noDelay()).RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Verified)
}

type failingListStore struct {
	*store.Store
}

func (failingListStore) ListBillableMembers(context.Context) ([]*store.Member, error) {
	return nil, errors.New("database is locked")
}

func TestRunOnceListFailureIsFatal(t *testing.T) {
	report, err := New(failingListStore{newTestStore(t)}, newFakeProvider(), noDelay()).RunOnce(context.Background())
	require.Error(t, err)
	assert.Nil(t, report)

	result := NewJobResult(report, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "database is locked")
}

func TestRunOnceConcurrentCallersShareOneRun(t *testing.T) {
	s := newTestStore(t)
	seedMember(t, s, "shared@example.com", "cus_shared", subscription.StatusInactive)

	p := newFakeProvider()
	p.entered = make(chan struct{}, 1)
	p.gate = make(chan struct{})
	r := New(s, p, noDelay())

	reports := make(chan *store.SyncReport, 2)
	go func() {
		report, _ := r.RunOnce(context.Background())
		reports <- report
	}()
	<-p.entered

	go func() {
		report, _ := r.RunOnce(context.Background())
		reports <- report
	}()
	time.Sleep(50 * time.Millisecond)
	close(p.gate)

	first, second := <-reports, <-reports
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, p.calls)
}

func TestRunOnceSurvivesInitiatingCallerCancellation(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"1", "2", "3"} {
		seedMember(t, s, "joined"+id+"@example.com", "cus_joined"+id, subscription.StatusInactive)
	}

	p := newFakeProvider()
	p.entered = make(chan struct{}, 1)
	p.gate = make(chan struct{})
	r := New(s, p, noDelay())

	adminCtx, cancelAdmin := context.WithCancel(context.Background())
	defer cancelAdmin()
	adminErr := make(chan error, 1)
	go func() {
		_, err := r.RunOnce(adminCtx)
		adminErr <- err
	}()
	<-p.entered

	scheduled := make(chan *store.SyncReport, 1)
	go func() {
		report, _ := r.RunOnce(context.Background())
		scheduled <- report
	}()
	time.Sleep(50 * time.Millisecond)

	cancelAdmin()
	select {
	case err := <-adminErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting for the run")
	}
	close(p.gate)

	report := <-scheduled
	require.NotNil(t, report)
	assert.Equal(t, 3, report.Verified)
	assert.Zero(t, report.Errors)
	assert.Empty(t, report.ErrorDetails)
	assert.False(t, report.Partial)
	assert.Equal(t, 3, p.calls)
}

func TestRunOnceDeadlineInsideBatchSkipsRatherThanFails(t *testing.T) {
	s := newTestStore(t)
	seedMember(t, s, "fast@example.com", "cus_fast", subscription.StatusInactive)
	seedMember(t, s, "stuck@example.com", "cus_stuck", subscription.StatusActive)

	p := newFakeProvider()
	p.hang = map[string]bool{"cus_stuck": true}

	report, err := New(s, p, Config{BatchSize: 10, RunTimeout: 100 * time.Millisecond}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Partial)
	assert.Equal(t, 1, report.Verified)
	assert.Zero(t, report.Errors)
	assert.Empty(t, report.ErrorDetails)

	saved, err := s.LatestSyncReport(context.Background())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.True(t, saved.Partial)
}

func TestNewJobResultSuccess(t *testing.T) {
	report := &store.SyncReport{ID: "r1"}
	result := NewJobResult(report, nil)
	assert.True(t, result.Success)
	assert.Same(t, report, result.Report)
	assert.Empty(t, result.Error)
}
