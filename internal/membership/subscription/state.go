// Package subscription models a member's subscription lifecycle.
//
// Status values come verbatim from Stripe's subscription vocabulary. The only
// locally computed rules are the payment overlays: repeated payment failures
// force past_due, and any successful payment forces active.
package subscription

import "strings"

// Status is a member's subscription status.
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusPaused            Status = "paused"
	// StatusInactive is local only: the member has never subscribed, or Stripe
	// reports no subscription for the customer.
	StatusInactive Status = "inactive"
)

// PastDueAttemptThreshold is the failed-attempt count on a single invoice at
// which the member is forced to past_due.
const PastDueAttemptThreshold = 3

// Known lists every status this service expects to see, in display order.
var Known = []Status{
	StatusActive,
	StatusTrialing,
	StatusPastDue,
	StatusUnpaid,
	StatusIncomplete,
	StatusIncompleteExpired,
	StatusPaused,
	StatusCanceled,
	StatusInactive,
}

// Reason labels why a transition happened.
type Reason string

const (
	ReasonCheckoutCompleted   Reason = "checkout_completed"
	ReasonSubscriptionCreated Reason = "subscription_created"
	ReasonSubscriptionUpdated Reason = "subscription_updated"
	ReasonSubscriptionDeleted Reason = "subscription_deleted"
	ReasonPaymentFailed       Reason = "payment_failed"
	ReasonPaymentSucceeded    Reason = "payment_succeeded"
	ReasonReconciled          Reason = "reconciled"
	ReasonStaleResurrection   Reason = "stale_resurrection_ignored"
)

// Change is the outcome of applying one input to a status.
type Change struct {
	From   Status
	To     Status
	Reason Reason
}

// Changed reports whether the status moved.
func (c Change) Changed() bool {
	return c.From != c.To
}

// FromProvider maps a Stripe status string to a Status. The value is stored
// verbatim apart from surrounding whitespace; an empty value means there is
// no subscription.
func FromProvider(status string) Status {
	s := strings.TrimSpace(status)
	if s == "" {
		return StatusInactive
	}
	return Status(s)
}

// Entitled reports whether a status grants member benefits.
func Entitled(s Status) bool {
	return s == StatusActive || s == StatusTrialing
}

// SubscriptionEvent describes a subscription created/updated notification.
type SubscriptionEvent struct {
	Created bool // customer.subscription.created
	// CurrentSubscriptionID is the subscription ID stored on the member.
	CurrentSubscriptionID string
	// SubscriptionID is the subscription the event refers to.
	SubscriptionID string
	ProviderStatus string
}

// OnSubscriptionChanged applies a subscription created/updated event. The
// provider status is stored verbatim, except that an update for the same
// subscription that already ended cannot bring the member back: canceled is
// left only by a created event or a different subscription.
func OnSubscriptionChanged(current Status, ev SubscriptionEvent) Change {
	next := FromProvider(ev.ProviderStatus)
	reason := ReasonSubscriptionUpdated
	if ev.Created {
		reason = ReasonSubscriptionCreated
	}

	if current == StatusCanceled && !ev.Created && next != StatusCanceled &&
		ev.SubscriptionID != "" && ev.SubscriptionID == ev.CurrentSubscriptionID {
		return Change{From: current, To: current, Reason: ReasonStaleResurrection}
	}
	return Change{From: current, To: next, Reason: reason}
}

// OnSubscriptionDeleted applies a subscription deletion.
func OnSubscriptionDeleted(current Status) Change {
	return Change{From: current, To: StatusCanceled, Reason: ReasonSubscriptionDeleted}
}

// OnCheckoutCompleted applies a completed checkout.
func OnCheckoutCompleted(current Status) Change {
	return Change{From: current, To: StatusActive, Reason: ReasonCheckoutCompleted}
}

// OnPaymentFailed applies a failed invoice payment. Below the threshold the
// status is left for Stripe to decide.
func OnPaymentFailed(current Status, attemptCount int64) Change {
	if attemptCount >= PastDueAttemptThreshold {
		return Change{From: current, To: StatusPastDue, Reason: ReasonPaymentFailed}
	}
	return Change{From: current, To: current, Reason: ReasonPaymentFailed}
}

// OnPaymentSucceeded applies a successful invoice payment. It recovers members
// whose past_due -> active update was missed.
func OnPaymentSucceeded(current Status) Change {
	return Change{From: current, To: StatusActive, Reason: ReasonPaymentSucceeded}
}

// OnReconciled applies ground truth read from Stripe by the reconciler.
func OnReconciled(current Status, providerStatus string) Change {
	return Change{From: current, To: FromProvider(providerStatus), Reason: ReasonReconciled}
}
