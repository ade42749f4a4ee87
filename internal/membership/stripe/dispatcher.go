package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	merrors "github.com/rcourtman/memberd/internal/errors"
	"github.com/rcourtman/memberd/internal/logging"
	"github.com/rcourtman/memberd/internal/membership/metrics"
	"github.com/rcourtman/memberd/internal/membership/notify"
	"github.com/rcourtman/memberd/internal/membership/store"
	"github.com/rcourtman/memberd/internal/membership/subscription"
)

// maxWriteAttempts bounds re-read/re-apply cycles after a version conflict.
const maxWriteAttempts = 3

// Outcome is what the dispatcher did with an event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	// OutcomeIgnored covers unhandled types and events that are older than
	// what the member already reflects.
	OutcomeIgnored Outcome = "ignored"
)

// MemberStore is the persistence the dispatcher needs.
type MemberStore interface {
	CreateMember(ctx context.Context, m *store.Member) error
	GetMember(ctx context.Context, id string) (*store.Member, error)
	GetMemberByEmail(ctx context.Context, email string) (*store.Member, error)
	GetMemberByStripeCustomerID(ctx context.Context, customerID string) (*store.Member, error)
	UpdateMember(ctx context.Context, m *store.Member) error
}

// Notifier sends member emails. Failures never fail an event.
type Notifier interface {
	Welcome(ctx context.Context, to notify.Recipient) error
	Cancellation(ctx context.Context, to notify.Recipient) error
	PaymentFailed(ctx context.Context, to notify.Recipient, failure notify.PaymentFailure) error
}

// Dispatcher applies verified Stripe events to member records. Events for
// the same customer are serialized in-process; across processes the store's
// version column detects lost updates and the write is re-applied.
type Dispatcher struct {
	store    MemberStore
	notifier Notifier
	locks    *keyedMutex
	validate *validator.Validate
}

// NewDispatcher creates a Dispatcher. notifier may be nil.
func NewDispatcher(s MemberStore, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		store:    s,
		notifier: notifier,
		locks:    newKeyedMutex(),
		validate: validator.New(),
	}
}

// Dispatch routes ev to its handler.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (Outcome, error) {
	logger := logging.FromContext(ctx).With().
		Str("event_id", ev.ID).
		Str("type", ev.Type).
		Logger()
	ctx = logger.WithContext(ctx)

	if ev.Payload == nil {
		logger.Info().Msg("Stripe webhook ignored (unhandled type)")
		return OutcomeIgnored, nil
	}

	customerID := ev.Payload.CustomerID()
	if customerID == "" {
		return "", merrors.New(merrors.KindUnresolvableMember, opName(ev.Type),
			fmt.Errorf("%w: %s payload has no customer", merrors.ErrInvalidInput, ev.Type)).WithEvent(ev.ID)
	}

	unlock := d.locks.Lock(customerID)
	defer unlock()

	var (
		outcome Outcome
		err     error
	)
	switch p := ev.Payload.(type) {
	case *CheckoutSession:
		outcome, err = d.handleCheckout(ctx, ev, p)
	case *Subscription:
		if ev.Type == EventSubscriptionDeleted {
			outcome, err = d.handleSubscriptionDeleted(ctx, ev, p)
		} else {
			outcome, err = d.handleSubscriptionChanged(ctx, ev, p)
		}
	case *Invoice:
		if ev.Type == EventPaymentFailed {
			outcome, err = d.handlePaymentFailed(ctx, ev, p)
		} else {
			outcome, err = d.handlePaymentSucceeded(ctx, ev, p)
		}
	default:
		logger.Info().Msg("Stripe webhook ignored (unhandled payload)")
		return OutcomeIgnored, nil
	}

	if err != nil {
		var syncErr *merrors.SyncError
		if errors.As(err, &syncErr) && syncErr.EventID == "" {
			syncErr.WithEvent(ev.ID)
		}
		logger.Error().Err(err).Str("customer_id", customerID).Msg("Stripe event could not be applied")
	}
	return outcome, err
}

// applyFunc mutates m in place and reports whether anything needs writing.
type applyFunc func(m *store.Member) (subscription.Change, bool)

// updateByCustomer loads the member for customerID, applies fn, and writes
// the result, re-reading on version conflicts.
func (d *Dispatcher) updateByCustomer(ctx context.Context, op, customerID string, fn applyFunc) (*store.Member, subscription.Change, bool, error) {
	for attempt := 1; ; attempt++ {
		m, err := d.store.GetMemberByStripeCustomerID(ctx, customerID)
		if err != nil {
			return nil, subscription.Change{}, false, merrors.WrapWriteError(op, customerID, err)
		}
		if m == nil {
			return nil, subscription.Change{}, false, merrors.UnresolvableMember(op, customerID)
		}

		change, write := fn(m)
		if !write {
			return m, change, false, nil
		}

		err = d.store.UpdateMember(ctx, m)
		if err == nil {
			recordTransition(ctx, m, change)
			return m, change, true, nil
		}
		if errors.Is(err, merrors.ErrVersionConflict) && attempt < maxWriteAttempts {
			metrics.VersionConflictsTotal.Inc()
			zerolog.Ctx(ctx).Debug().Str("member_id", m.ID).Int("attempt", attempt).Msg("Member changed concurrently, re-applying event")
			continue
		}
		return nil, subscription.Change{}, false, merrors.WrapWriteError(op, customerID, err)
	}
}

func (d *Dispatcher) handleCheckout(ctx context.Context, ev *Event, session *CheckoutSession) (Outcome, error) {
	const op = "apply_checkout_completed"
	customerID := session.CustomerID()

	for attempt := 1; ; attempt++ {
		m, created, err := d.resolveCheckoutMember(ctx, op, session)
		if err != nil {
			return "", err
		}

		linked := m.StripeCustomerID != customerID
		m.StripeCustomerID = customerID
		if subID := strings.TrimSpace(session.Subscription); subID != "" {
			m.SubscriptionID = subID
		}
		if mt := strings.TrimSpace(session.Metadata["membership_type"]); mt != "" {
			m.MembershipType = mt
		}
		change := subscription.OnCheckoutCompleted(m.Status)
		m.Status = change.To
		m.IsActive = true

		if created {
			err = d.store.CreateMember(ctx, m)
		} else {
			err = d.store.UpdateMember(ctx, m)
		}
		if err != nil {
			retryable := errors.Is(err, merrors.ErrVersionConflict) || errors.Is(err, store.ErrDuplicate)
			if retryable && attempt < maxWriteAttempts {
				metrics.VersionConflictsTotal.Inc()
				continue
			}
			return "", merrors.WrapWriteError(op, customerID, err)
		}

		recordTransition(ctx, m, change)
		zerolog.Ctx(ctx).Info().
			Str("member_id", m.ID).
			Str("customer_id", customerID).
			Bool("created", created).
			Msg("Checkout completed, membership active")

		if created || linked || change.Changed() {
			d.notify(ctx, notify.KindWelcome, m, func(to notify.Recipient) error {
				return d.notifier.Welcome(ctx, to)
			})
		}
		return OutcomeProcessed, nil
	}
}

// resolveCheckoutMember finds the member a checkout belongs to: by customer
// ID, then by the member reference the session was opened with, then by
// email. When none match a new, unsaved member is returned.
func (d *Dispatcher) resolveCheckoutMember(ctx context.Context, op string, session *CheckoutSession) (*store.Member, bool, error) {
	customerID := session.CustomerID()

	m, err := d.store.GetMemberByStripeCustomerID(ctx, customerID)
	if err != nil {
		return nil, false, merrors.WrapWriteError(op, customerID, err)
	}
	if m != nil {
		return m, false, nil
	}

	if ref := session.MemberReference(); ref != "" {
		m, err = d.store.GetMember(ctx, ref)
		if err != nil {
			return nil, false, merrors.WrapWriteError(op, customerID, err)
		}
		if m != nil {
			return m, false, nil
		}
	}

	email := store.NormalizeEmail(session.Email())
	if err := d.validate.Var(email, "required,email"); err != nil {
		return nil, false, merrors.New(merrors.KindUnresolvableMember, op,
			fmt.Errorf("%w: checkout %s has no usable email: %v", merrors.ErrInvalidInput, session.ID, err)).WithCustomer(customerID)
	}
	m, err = d.store.GetMemberByEmail(ctx, email)
	if err != nil {
		return nil, false, merrors.WrapWriteError(op, customerID, err)
	}
	if m != nil {
		return m, false, nil
	}

	first, last := strings.TrimSpace(session.Metadata["first_name"]), strings.TrimSpace(session.Metadata["last_name"])
	if first == "" && last == "" {
		first, last = splitName(session.CustomerDetails.Name)
	}
	return &store.Member{
		Email:          email,
		FirstName:      first,
		LastName:       last,
		MembershipType: store.DefaultMembershipType,
		Status:         subscription.StatusInactive,
		IsActive:       true,
	}, true, nil
}

func (d *Dispatcher) handleSubscriptionChanged(ctx context.Context, ev *Event, sub *Subscription) (Outcome, error) {
	op := opName(ev.Type)
	stale := false
	m, change, written, err := d.updateByCustomer(ctx, op, sub.CustomerID(), func(m *store.Member) (subscription.Change, bool) {
		if isStale(ev, m) {
			stale = true
			return subscription.Change{From: m.Status, To: m.Status}, false
		}
		change := subscription.OnSubscriptionChanged(m.Status, subscription.SubscriptionEvent{
			Created:               ev.Type == EventSubscriptionCreated,
			CurrentSubscriptionID: m.SubscriptionID,
			SubscriptionID:        strings.TrimSpace(sub.ID),
			ProviderStatus:        sub.Status,
		})
		if change.Reason == subscription.ReasonStaleResurrection {
			stale = true
			return change, false
		}
		m.Status = change.To
		if id := strings.TrimSpace(sub.ID); id != "" {
			m.SubscriptionID = id
		}
		if end := sub.PeriodEnd(); end != nil {
			m.CurrentPeriodEnd = end
		}
		m.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		markEvent(ev, m)
		return change, true
	})
	if err != nil {
		return "", err
	}
	if stale {
		zerolog.Ctx(ctx).Info().
			Str("member_id", m.ID).
			Str("subscription_id", sub.ID).
			Str("status", string(m.Status)).
			Msg("Subscription event older than member state, skipped")
		return OutcomeIgnored, nil
	}
	if written {
		zerolog.Ctx(ctx).Info().
			Str("member_id", m.ID).
			Str("from", string(change.From)).
			Str("status", string(change.To)).
			Msg("Subscription status applied")
	}
	return OutcomeProcessed, nil
}

func (d *Dispatcher) handleSubscriptionDeleted(ctx context.Context, ev *Event, sub *Subscription) (Outcome, error) {
	op := opName(ev.Type)
	superseded := false
	m, change, _, err := d.updateByCustomer(ctx, op, sub.CustomerID(), func(m *store.Member) (subscription.Change, bool) {
		// An old subscription ending does not cancel its replacement.
		if id := strings.TrimSpace(sub.ID); id != "" && m.SubscriptionID != "" && id != m.SubscriptionID {
			superseded = true
			return subscription.Change{From: m.Status, To: m.Status}, false
		}
		change := subscription.OnSubscriptionDeleted(m.Status)
		m.Status = change.To
		m.CancelAtPeriodEnd = false
		markEvent(ev, m)
		return change, true
	})
	if err != nil {
		return "", err
	}
	if superseded {
		zerolog.Ctx(ctx).Info().
			Str("member_id", m.ID).
			Str("subscription_id", sub.ID).
			Str("current_subscription_id", m.SubscriptionID).
			Msg("Deleted subscription was already replaced, skipped")
		return OutcomeIgnored, nil
	}

	zerolog.Ctx(ctx).Info().Str("member_id", m.ID).Msg("Subscription deleted, membership canceled")
	if change.Changed() {
		d.notify(ctx, notify.KindCancellation, m, func(to notify.Recipient) error {
			return d.notifier.Cancellation(ctx, to)
		})
	}
	return OutcomeProcessed, nil
}

func (d *Dispatcher) handlePaymentFailed(ctx context.Context, ev *Event, inv *Invoice) (Outcome, error) {
	m, change, _, err := d.updateByCustomer(ctx, opName(ev.Type), inv.CustomerID(), func(m *store.Member) (subscription.Change, bool) {
		change := subscription.OnPaymentFailed(m.Status, inv.AttemptCount)
		if !change.Changed() {
			return change, false
		}
		m.Status = change.To
		return change, true
	})
	if err != nil {
		return "", err
	}

	zerolog.Ctx(ctx).Warn().
		Str("member_id", m.ID).
		Int64("attempt_count", inv.AttemptCount).
		Str("status", string(change.To)).
		Msg("Invoice payment failed")

	d.notify(ctx, notify.KindPaymentFailed, m, func(to notify.Recipient) error {
		return d.notifier.PaymentFailed(ctx, to, notify.PaymentFailure{
			AttemptCount: inv.AttemptCount,
			AmountDue:    inv.AmountDue,
			Currency:     inv.Currency,
			InvoiceURL:   inv.HostedInvoiceURL,
		})
	})
	return OutcomeProcessed, nil
}

func (d *Dispatcher) handlePaymentSucceeded(ctx context.Context, ev *Event, inv *Invoice) (Outcome, error) {
	m, change, written, err := d.updateByCustomer(ctx, opName(ev.Type), inv.CustomerID(), func(m *store.Member) (subscription.Change, bool) {
		change := subscription.OnPaymentSucceeded(m.Status)
		if !change.Changed() {
			return change, false
		}
		m.Status = change.To
		return change, true
	})
	if err != nil {
		return "", err
	}
	if written {
		zerolog.Ctx(ctx).Info().
			Str("member_id", m.ID).
			Str("from", string(change.From)).
			Msg("Invoice paid, membership reactivated")
	}
	return OutcomeProcessed, nil
}

func (d *Dispatcher) notify(ctx context.Context, kind notify.Kind, m *store.Member, send func(notify.Recipient) error) {
	if d.notifier == nil {
		return
	}
	to := notify.Recipient{
		MemberID:       m.ID,
		Email:          m.Email,
		Name:           strings.TrimSpace(m.FirstName),
		FullName:       m.DisplayName(),
		MembershipType: m.MembershipType,
	}
	if err := send(to); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("member_id", m.ID).
			Str("notification", string(kind)).
			Msg("Member notification failed")
	}
}

// isStale reports whether a subscription event predates the newest one
// already applied to m.
func isStale(ev *Event, m *store.Member) bool {
	return !ev.Created.IsZero() && m.LastEventAt != nil && ev.Created.Before(*m.LastEventAt)
}

func markEvent(ev *Event, m *store.Member) {
	if ev.Created.IsZero() {
		return
	}
	if m.LastEventAt == nil || ev.Created.After(*m.LastEventAt) {
		created := ev.Created
		m.LastEventAt = &created
	}
}

func recordTransition(ctx context.Context, m *store.Member, change subscription.Change) {
	if !change.Changed() {
		return
	}
	metrics.StatusTransitions.WithLabelValues(string(change.From), string(change.To), string(change.Reason)).Inc()
	zerolog.Ctx(ctx).Debug().
		Str("member_id", m.ID).
		Str("from", string(change.From)).
		Str("to", string(change.To)).
		Str("reason", string(change.Reason)).
		Msg("Subscription status transition")
}

func opName(eventType string) string {
	return "apply_" + strings.ReplaceAll(eventType, ".", "_")
}

func splitName(full string) (first, last string) {
	full = strings.TrimSpace(full)
	if full == "" {
		return "", ""
	}
	first, last, _ = strings.Cut(full, " ")
	return first, strings.TrimSpace(last)
}
