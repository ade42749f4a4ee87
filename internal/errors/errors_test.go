package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncErrorMatchesBaseErrorByKind(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", UnresolvableMember("apply_subscription_deleted", "cus_1"))

	assert.True(t, errors.Is(err, ErrUnresolvableMember))
	assert.False(t, errors.Is(err, ErrDownstreamWrite))

	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "cus_1", syncErr.CustomerID)
	assert.True(t, syncErr.Retryable)
}

func TestSyncErrorUnwrapsUnderlying(t *testing.T) {
	base := errors.New("disk full")
	err := WrapWriteError("update_member", "cus_2", base)

	assert.True(t, errors.Is(err, base))
	assert.True(t, errors.Is(err, ErrDownstreamWrite))
	assert.Contains(t, err.Error(), "update_member failed for cus_2")
}

func TestSyncErrorMessageIncludesEvent(t *testing.T) {
	err := New(KindDownstreamWrite, "apply", errors.New("boom")).WithCustomer("cus_3").WithEvent("evt_9")
	assert.Equal(t, "apply failed for cus_3 (event evt_9): boom", err.Error())
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(WrapWriteError("op", "cus", errors.New("x"))))
	assert.False(t, IsRetryableError(New(KindAuthentication, "verify", errors.New("bad sig"))))
	assert.True(t, IsRetryableError(fmt.Errorf("wrapped: %w", ErrVersionConflict)))
	assert.False(t, IsRetryableError(errors.New("plain")))
}
