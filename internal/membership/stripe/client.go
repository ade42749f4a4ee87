package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	merrors "github.com/rcourtman/memberd/internal/errors"
)

// SubscriptionSnapshot is Stripe's current view of a customer's subscription.
type SubscriptionSnapshot struct {
	ID                string
	Status            string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

type subscriptionIterator interface {
	Next() bool
	Subscription() *stripelib.Subscription
	Err() error
}

// Client queries Stripe for subscription ground truth.
type Client struct {
	listSubscriptions func(params *stripelib.SubscriptionListParams) subscriptionIterator
}

// NewClient creates a Client authenticated with a secret API key. stripe-go
// retries rate-limited and transient failures internally.
func NewClient(apiKey string) *Client {
	api := &client.API{}
	api.Init(strings.TrimSpace(apiKey), nil)
	return &Client{
		listSubscriptions: func(params *stripelib.SubscriptionListParams) subscriptionIterator {
			return api.Subscriptions.List(params)
		},
	}
}

// LatestSubscription returns the customer's most recent subscription in any
// status, or nil when the customer has none.
func (c *Client) LatestSubscription(ctx context.Context, customerID string) (*SubscriptionSnapshot, error) {
	customerID = strings.TrimSpace(customerID)
	if !IsSafeStripeID(customerID) {
		return nil, merrors.New(merrors.KindMemberReconcile, "list_subscriptions",
			fmt.Errorf("%w: invalid customer id %q", merrors.ErrInvalidInput, customerID)).WithCustomer(customerID)
	}

	params := &stripelib.SubscriptionListParams{
		Customer: stripelib.String(customerID),
		Status:   stripelib.String("all"),
	}
	params.Limit = stripelib.Int64(1)
	params.Single = true
	params.Context = ctx

	it := c.listSubscriptions(params)
	if !it.Next() {
		if err := it.Err(); err != nil {
			return nil, merrors.New(merrors.KindProviderUnavailable, "list_subscriptions", err).WithCustomer(customerID)
		}
		return nil, nil
	}
	return snapshotFrom(it.Subscription()), nil
}

func snapshotFrom(sub *stripelib.Subscription) *SubscriptionSnapshot {
	if sub == nil {
		return nil
	}
	snap := &SubscriptionSnapshot{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	var end int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
		}
	}
	if end > 0 {
		t := time.Unix(end, 0).UTC()
		snap.CurrentPeriodEnd = &t
	}
	return snap
}

// IsSafeStripeID validates that a Stripe ID (cus_..., sub_...) is safe for
// use as a lookup key.
func IsSafeStripeID(stripeID string) bool {
	if len(stripeID) < 5 || len(stripeID) > 128 {
		return false
	}
	for i := 0; i < len(stripeID); i++ {
		c := stripeID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
