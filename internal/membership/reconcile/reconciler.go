// Package reconcile repairs member subscription state from Stripe ground truth.
//
// Webhooks are the fast path; a delivery that is lost, duplicated, or applied
// out of order is corrected here on the next run. Reconciler.RunOnce is the
// single entry point used by the scheduler, the admin endpoint, the CLI and
// tests.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	merrors "github.com/rcourtman/memberd/internal/errors"
	"github.com/rcourtman/memberd/internal/membership/metrics"
	"github.com/rcourtman/memberd/internal/membership/store"
	"github.com/rcourtman/memberd/internal/membership/stripe"
	"github.com/rcourtman/memberd/internal/membership/subscription"
)

const (
	DefaultBatchSize  = 100
	DefaultBatchDelay = time.Second
	DefaultRunTimeout = 30 * time.Minute

	reportSaveTimeout = 10 * time.Second
)

// Provider reads the billing provider's view of a customer.
type Provider interface {
	LatestSubscription(ctx context.Context, customerID string) (*stripe.SubscriptionSnapshot, error)
}

// Store is the subset of the member store the reconciler writes to.
type Store interface {
	ListBillableMembers(ctx context.Context) ([]*store.Member, error)
	UpdateMember(ctx context.Context, m *store.Member) error
	TouchVerified(ctx context.Context, memberID string, at time.Time) error
	AppendDiscrepancy(ctx context.Context, d *store.DiscrepancyRecord) error
	SaveSyncReport(ctx context.Context, r *store.SyncReport) error
}

// Config controls batching and the run deadline. Zero values take defaults.
type Config struct {
	BatchSize  int
	BatchDelay time.Duration
	RunTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	return c
}

// Reconciler compares every billable member against Stripe and repairs drift.
type Reconciler struct {
	store    Store
	provider Provider
	cfg      Config
	now      func() time.Time
	flight   singleflight.Group
}

// New creates a Reconciler.
func New(s Store, provider Provider, cfg Config) *Reconciler {
	return &Reconciler{
		store:    s,
		provider: provider,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs one reconciliation pass and returns its report. Callers
// that arrive while a pass is running share that pass's result. The pass runs
// detached from every caller's context and is bounded by Config.RunTimeout; a
// caller whose ctx ends stops waiting but does not stop the pass. The only
// fatal error is failing to load the member list; per-member failures are
// counted in the report.
func (r *Reconciler) RunOnce(ctx context.Context) (*store.SyncReport, error) {
	ch := r.flight.DoChan("reconcile", func() (any, error) {
		return r.run(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Msg("Stopped waiting for reconciliation run; it continues in the background")
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			log.Debug().Msg("Joined in-flight reconciliation run")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*store.SyncReport), nil
	}
}

type memberOutcome int

const (
	outcomeVerified memberOutcome = iota
	outcomeFixed
	outcomeUnfixed
)

func (r *Reconciler) run(parent context.Context) (*store.SyncReport, error) {
	started := r.now()
	ctx, cancel := context.WithTimeout(parent, r.cfg.RunTimeout)
	defer cancel()

	members, err := r.store.ListBillableMembers(ctx)
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("Reconciliation aborted: failed to list members")
		return nil, fmt.Errorf("list billable members: %w", err)
	}

	report := &store.SyncReport{
		ID:           store.NewRecordID(started),
		Timestamp:    started,
		TotalMembers: len(members),
		ErrorDetails: []store.ErrorDetail{},
	}
	log.Info().Int("members", len(members)).Int("batch_size", r.cfg.BatchSize).Msg("Reconciliation started")

	var (
		mu      sync.Mutex
		skipped int
	)
	for start := 0; start < len(members); start += r.cfg.BatchSize {
		if start > 0 && !r.pause(ctx) {
			report.Partial = true
			break
		}
		if ctx.Err() != nil {
			report.Partial = true
			break
		}

		end := min(start+r.cfg.BatchSize, len(members))
		var g errgroup.Group
		for _, m := range members[start:end] {
			g.Go(func() error {
				outcome, err := r.reconcileMember(ctx, m)

				mu.Lock()
				defer mu.Unlock()
				if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					// Cut off by the run deadline; the next run picks it up.
					skipped++
					if outcome == outcomeUnfixed {
						report.DiscrepanciesFound++
					}
					return nil
				}
				if err != nil {
					report.Errors++
					report.ErrorDetails = append(report.ErrorDetails, store.ErrorDetail{
						MemberEmail: m.Email,
						Error:       err.Error(),
					})
					metrics.ReconcileMembersTotal.WithLabelValues("error").Inc()
					log.Warn().Err(err).Str("member_id", m.ID).Str("customer_id", m.StripeCustomerID).Msg("Failed to reconcile member")
				}
				switch outcome {
				case outcomeVerified:
					if err == nil {
						report.Verified++
						metrics.ReconcileMembersTotal.WithLabelValues("verified").Inc()
					}
				case outcomeFixed:
					report.DiscrepanciesFound++
					report.DiscrepanciesFixed++
					metrics.ReconcileMembersTotal.WithLabelValues("fixed").Inc()
				case outcomeUnfixed:
					report.DiscrepanciesFound++
				}
				return nil
			})
		}
		_ = g.Wait()
		if skipped > 0 {
			report.Partial = true
			break
		}
	}

	elapsed := r.now().Sub(started)
	report.DurationMS = elapsed.Milliseconds()

	outcome := "complete"
	if report.Partial {
		outcome = "partial"
		log.Warn().Dur("timeout", r.cfg.RunTimeout).Int("skipped_in_batch", skipped).Msg("Reconciliation stopped before all members were checked")
	}
	metrics.ReconcileRunsTotal.WithLabelValues(outcome).Inc()
	metrics.ReconcileDuration.Observe(elapsed.Seconds())
	metrics.LastReconcileTimestamp.SetToCurrentTime()

	r.saveReport(parent, report)

	log.Info().
		Int("total", report.TotalMembers).
		Int("verified", report.Verified).
		Int("discrepancies_found", report.DiscrepanciesFound).
		Int("discrepancies_fixed", report.DiscrepanciesFixed).
		Int("errors", report.Errors).
		Bool("partial", report.Partial).
		Msg("Reconciliation finished")
	return report, nil
}

// pause waits between batches. It returns false if the run's context ended.
func (r *Reconciler) pause(ctx context.Context) bool {
	if r.cfg.BatchDelay == 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(r.cfg.BatchDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Reconciler) reconcileMember(ctx context.Context, m *store.Member) (memberOutcome, error) {
	const op = "reconcile_member"

	snap, err := r.provider.LatestSubscription(ctx, m.StripeCustomerID)
	if err != nil {
		return outcomeVerified, wrapMemberError(op, m.StripeCustomerID, err)
	}

	providerStatus := string(subscription.StatusInactive)
	if snap != nil {
		providerStatus = snap.Status
	}
	change := subscription.OnReconciled(m.Status, providerStatus)
	now := r.now()

	if !change.Changed() {
		if err := r.store.TouchVerified(ctx, m.ID, now); err != nil {
			return outcomeVerified, wrapMemberError(op, m.StripeCustomerID, err)
		}
		return outcomeVerified, nil
	}

	metrics.DiscrepanciesTotal.Inc()
	record := &store.DiscrepancyRecord{
		MemberID:         m.ID,
		StripeCustomerID: m.StripeCustomerID,
		DBStatus:         string(change.From),
		StripeStatus:     string(change.To),
		DetectedAt:       now,
	}
	if err := r.store.AppendDiscrepancy(ctx, record); err != nil {
		return outcomeUnfixed, wrapMemberError(op, m.StripeCustomerID, fmt.Errorf("append discrepancy: %w", err))
	}

	updated := *m
	updated.Status = change.To
	updated.LastVerifiedAt = &now
	if snap != nil {
		updated.SubscriptionID = snap.ID
		updated.CurrentPeriodEnd = snap.CurrentPeriodEnd
		updated.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	} else {
		updated.SubscriptionID = ""
		updated.CurrentPeriodEnd = nil
		updated.CancelAtPeriodEnd = false
	}
	if err := r.store.UpdateMember(ctx, &updated); err != nil {
		return outcomeUnfixed, wrapMemberError(op, m.StripeCustomerID, err)
	}

	metrics.StatusTransitions.WithLabelValues(string(change.From), string(change.To), string(change.Reason)).Inc()
	log.Info().
		Str("member_id", m.ID).
		Str("customer_id", m.StripeCustomerID).
		Str("from", string(change.From)).
		Str("to", string(change.To)).
		Msg("Repaired subscription status from Stripe")
	return outcomeFixed, nil
}

// saveReport persists the report on a context detached from the run deadline.
// Failure is logged and otherwise ignored.
func (r *Reconciler) saveReport(parent context.Context, report *store.SyncReport) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), reportSaveTimeout)
	defer cancel()

	if err := r.store.SaveSyncReport(ctx, report); err != nil {
		err = merrors.New(merrors.KindReportPersistence, "save_sync_report", err)
		log.Error().Err(err).Str("report_id", report.ID).Msg("Failed to persist sync report")
	}
}

func wrapMemberError(op, customerID string, err error) error {
	var syncErr *merrors.SyncError
	if errors.As(err, &syncErr) {
		return err
	}
	return merrors.New(merrors.KindMemberReconcile, op, err).WithCustomer(customerID)
}

// JobResult is the JSON shape returned by the admin endpoint and the CLI.
type JobResult struct {
	Success bool              `json:"success"`
	Report  *store.SyncReport `json:"report,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// NewJobResult builds a JobResult from a RunOnce return.
func NewJobResult(report *store.SyncReport, err error) JobResult {
	if err != nil {
		return JobResult{Success: false, Error: err.Error()}
	}
	return JobResult{Success: true, Report: report}
}
