package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
)

const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentFailed       = "invoice.payment_failed"
	EventPaymentSucceeded    = "invoice.payment_succeeded"
)

// ErrUndecodableEvent is returned for bodies that are not a Stripe event.
var ErrUndecodableEvent = errors.New("undecodable stripe event")

// Event is a verified Stripe event with its object resolved to one payload
// type per event type. Payload is nil for types this service does not handle.
type Event struct {
	ID      string
	Type    string
	Created time.Time // zero when the envelope carries no creation time
	Payload Payload
}

// Payload is implemented by CheckoutSession, Subscription, and Invoice.
type Payload interface {
	CustomerID() string
	payload()
}

// CheckoutSession is a minimal representation of a Stripe checkout.session.
type CheckoutSession struct {
	ID                string `json:"id"`
	Mode              string `json:"mode"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	ClientReferenceID string `json:"client_reference_id"`
	CustomerEmail     string `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// Subscription is a minimal representation of a Stripe subscription.
type Subscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	// CurrentPeriodEnd is set by API versions before 2025-03-31; newer
	// versions carry it per item.
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// Invoice is a minimal representation of a Stripe invoice.
type Invoice struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	CustomerEmail    string `json:"customer_email"`
	Subscription     string `json:"subscription"`
	AttemptCount     int64  `json:"attempt_count"`
	AmountDue        int64  `json:"amount_due"`
	Currency         string `json:"currency"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
	Parent           struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (c *CheckoutSession) CustomerID() string { return strings.TrimSpace(c.Customer) }
func (s *Subscription) CustomerID() string    { return strings.TrimSpace(s.Customer) }
func (i *Invoice) CustomerID() string         { return strings.TrimSpace(i.Customer) }

func (*CheckoutSession) payload() {}
func (*Subscription) payload()    {}
func (*Invoice) payload()         {}

// Email returns the customer email collected at checkout.
func (c *CheckoutSession) Email() string {
	if email := strings.TrimSpace(c.CustomerDetails.Email); email != "" {
		return email
	}
	return strings.TrimSpace(c.CustomerEmail)
}

// MemberReference returns the internal member ID the checkout was started
// for, if the session was created with one.
func (c *CheckoutSession) MemberReference() string {
	if ref := strings.TrimSpace(c.ClientReferenceID); ref != "" {
		return ref
	}
	return strings.TrimSpace(c.Metadata["member_id"])
}

// PeriodEnd returns the end of the current billing period, or nil.
func (s *Subscription) PeriodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	if end <= 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}

// SubscriptionID returns the subscription the invoice bills.
func (i *Invoice) SubscriptionID() string {
	if id := strings.TrimSpace(i.Subscription); id != "" {
		return id
	}
	return strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription)
}

// Handled reports whether the event type is routed to a handler.
func Handled(eventType string) bool {
	switch eventType {
	case EventCheckoutCompleted, EventSubscriptionCreated, EventSubscriptionUpdated,
		EventSubscriptionDeleted, EventPaymentFailed, EventPaymentSucceeded:
		return true
	}
	return false
}

// ParseEvent decodes the raw (already verified) body into an Event.
func ParseEvent(body []byte) (*Event, error) {
	var envelope stripelib.Event
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodableEvent, err)
	}
	if strings.TrimSpace(envelope.ID) == "" || envelope.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrUndecodableEvent)
	}

	ev := &Event{ID: envelope.ID, Type: string(envelope.Type)}
	if envelope.Created > 0 {
		ev.Created = time.Unix(envelope.Created, 0).UTC()
	}
	if !Handled(ev.Type) {
		return ev, nil
	}
	if envelope.Data == nil || len(envelope.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s has no data.object", ErrUndecodableEvent, ev.Type)
	}

	var p Payload
	switch ev.Type {
	case EventCheckoutCompleted:
		p = &CheckoutSession{}
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		p = &Subscription{}
	case EventPaymentFailed, EventPaymentSucceeded:
		p = &Invoice{}
	}
	if err := json.Unmarshal(envelope.Data.Raw, p); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUndecodableEvent, ev.Type, err)
	}
	ev.Payload = p
	return ev, nil
}
