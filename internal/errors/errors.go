package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrAuthentication      = errors.New("authentication failure")
	ErrUnresolvableMember  = errors.New("unresolvable member")
	ErrDownstreamWrite     = errors.New("downstream write failure")
	ErrMemberReconcile     = errors.New("member reconciliation failure")
	ErrReportPersistence   = errors.New("report persistence failure")
	ErrVersionConflict     = errors.New("version conflict")
	ErrEventInFlight       = errors.New("event is in-flight")
	ErrInvalidInput        = errors.New("invalid input")
	ErrProviderUnavailable = errors.New("billing provider unavailable")
)

// Kind represents the category of a sync error.
type Kind string

const (
	KindAuthentication      Kind = "authentication"
	KindUnresolvableMember  Kind = "unresolvable_member"
	KindDownstreamWrite     Kind = "downstream_write"
	KindMemberReconcile     Kind = "member_reconcile"
	KindReportPersistence   Kind = "report_persistence"
	KindProviderUnavailable Kind = "provider_unavailable"
)

// SyncError is a structured error for webhook and reconciliation operations.
type SyncError struct {
	Kind       Kind
	Op         string // operation that failed (e.g., "apply_subscription_updated")
	CustomerID string // Stripe customer the operation targeted, if any
	EventID    string // Stripe event ID, if any
	Err        error
	Timestamp  time.Time
	Retryable  bool
}

func (e *SyncError) Error() string {
	switch {
	case e.EventID != "" && e.CustomerID != "":
		return fmt.Sprintf("%s failed for %s (event %s): %v", e.Op, e.CustomerID, e.EventID, e.Err)
	case e.CustomerID != "":
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.CustomerID, e.Err)
	default:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is against the base error types.
func (e *SyncError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrAuthentication:
		return e.Kind == KindAuthentication
	case ErrUnresolvableMember:
		return e.Kind == KindUnresolvableMember
	case ErrDownstreamWrite:
		return e.Kind == KindDownstreamWrite
	case ErrMemberReconcile:
		return e.Kind == KindMemberReconcile
	case ErrReportPersistence:
		return e.Kind == KindReportPersistence
	case ErrProviderUnavailable:
		return e.Kind == KindProviderUnavailable
	}

	return errors.Is(e.Err, target)
}

// New creates a SyncError.
func New(kind Kind, op string, err error) *SyncError {
	return &SyncError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind),
	}
}

// WithCustomer adds the Stripe customer ID to the error.
func (e *SyncError) WithCustomer(customerID string) *SyncError {
	e.CustomerID = customerID
	return e
}

// WithEvent adds the Stripe event ID to the error.
func (e *SyncError) WithEvent(eventID string) *SyncError {
	e.EventID = eventID
	return e
}

// isRetryable reports whether the provider should redeliver after this kind of failure.
// Unresolvable members are retried: the registration that creates the member may
// still be in flight.
func isRetryable(kind Kind) bool {
	switch kind {
	case KindDownstreamWrite, KindUnresolvableMember, KindProviderUnavailable, KindMemberReconcile:
		return true
	default:
		return false
	}
}

// Helper functions

// WrapWriteError wraps a store failure with context.
func WrapWriteError(op, customerID string, err error) error {
	return New(KindDownstreamWrite, op, err).WithCustomer(customerID)
}

// UnresolvableMember reports an event that references a customer with no member record.
func UnresolvableMember(op, customerID string) error {
	return New(KindUnresolvableMember, op, fmt.Errorf("no member for stripe customer %q", customerID)).WithCustomer(customerID)
}

// IsRetryableError checks if an error should be retried by the provider.
func IsRetryableError(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrEventInFlight)
}

// Is delegates to the standard library so callers need a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As delegates to the standard library so callers need a single errors import.
func As(err error, target any) bool {
	return errors.As(err, target)
}
