package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromProvider(t *testing.T) {
	assert.Equal(t, StatusActive, FromProvider("active"))
	assert.Equal(t, StatusPastDue, FromProvider(" past_due "))
	assert.Equal(t, Status("Active"), FromProvider("Active"))
	assert.Equal(t, StatusInactive, FromProvider(""))
	assert.Equal(t, Status("some_new_state"), FromProvider("some_new_state"))
}

func TestOnSubscriptionChangedPassesProviderStatusThrough(t *testing.T) {
	for _, from := range Known {
		for _, to := range []string{"active", "trialing", "past_due", "unpaid", "incomplete", "canceled"} {
			if from == StatusCanceled {
				continue
			}
			c := OnSubscriptionChanged(from, SubscriptionEvent{SubscriptionID: "sub_1", CurrentSubscriptionID: "sub_1", ProviderStatus: to})
			assert.Equal(t, Status(to), c.To, "from %s", from)
			assert.Equal(t, ReasonSubscriptionUpdated, c.Reason)
		}
	}
}

func TestOnSubscriptionChangedCanceledIsTerminalForSameSubscription(t *testing.T) {
	c := OnSubscriptionChanged(StatusCanceled, SubscriptionEvent{
		SubscriptionID:        "sub_old",
		CurrentSubscriptionID: "sub_old",
		ProviderStatus:        "active",
	})
	assert.False(t, c.Changed())
	assert.Equal(t, ReasonStaleResurrection, c.Reason)

	created := OnSubscriptionChanged(StatusCanceled, SubscriptionEvent{
		Created:               true,
		SubscriptionID:        "sub_old",
		CurrentSubscriptionID: "sub_old",
		ProviderStatus:        "active",
	})
	assert.Equal(t, StatusActive, created.To)
	assert.Equal(t, ReasonSubscriptionCreated, created.Reason)

	fresh := OnSubscriptionChanged(StatusCanceled, SubscriptionEvent{
		SubscriptionID:        "sub_new",
		CurrentSubscriptionID: "sub_old",
		ProviderStatus:        "trialing",
	})
	assert.Equal(t, StatusTrialing, fresh.To)
}

func TestOnPaymentFailedEscalatesAtThreshold(t *testing.T) {
	assert.Equal(t, StatusActive, OnPaymentFailed(StatusActive, 1).To)
	assert.Equal(t, StatusActive, OnPaymentFailed(StatusActive, 2).To)
	assert.Equal(t, StatusPastDue, OnPaymentFailed(StatusActive, 3).To)
	assert.Equal(t, StatusPastDue, OnPaymentFailed(StatusActive, 7).To)
}

func TestOnPaymentSucceededForcesActive(t *testing.T) {
	for _, from := range Known {
		c := OnPaymentSucceeded(from)
		assert.Equal(t, StatusActive, c.To)
	}
}

func TestOnSubscriptionDeletedAndCheckout(t *testing.T) {
	assert.Equal(t, StatusCanceled, OnSubscriptionDeleted(StatusActive).To)
	assert.Equal(t, StatusActive, OnCheckoutCompleted(StatusInactive).To)
	assert.True(t, OnCheckoutCompleted(StatusInactive).Changed())
}

func TestOnReconciled(t *testing.T) {
	c := OnReconciled(StatusActive, "")
	assert.Equal(t, StatusInactive, c.To)
	assert.Equal(t, ReasonReconciled, c.Reason)
}

func TestEntitled(t *testing.T) {
	assert.True(t, Entitled(StatusActive))
	assert.True(t, Entitled(StatusTrialing))
	assert.False(t, Entitled(StatusPastDue))
	assert.False(t, Entitled(StatusInactive))
}
