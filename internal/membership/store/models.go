package store

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/memberd/internal/membership/subscription"
)

// DefaultMembershipType is assigned when checkout metadata carries none.
const DefaultMembershipType = "standard"

// Member is a person holding (or having held) a paid membership.
type Member struct {
	ID                string              `json:"id"`
	Email             string              `json:"email"`
	FirstName         string              `json:"first_name"`
	LastName          string              `json:"last_name"`
	MembershipType    string              `json:"membership_type"`
	Status            subscription.Status `json:"subscription_status"`
	StripeCustomerID  string              `json:"stripe_customer_id,omitempty"`
	SubscriptionID    string              `json:"subscription_id,omitempty"`
	CurrentPeriodEnd  *time.Time          `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool                `json:"cancel_at_period_end"`
	LastVerifiedAt    *time.Time          `json:"last_verified_at,omitempty"`
	LastEventAt       *time.Time          `json:"last_event_at,omitempty"`
	IsActive          bool                `json:"is_active"`
	Version           int64               `json:"version"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// DisplayName returns "First Last", or "" when neither is set.
func (m *Member) DisplayName() string {
	return strings.TrimSpace(strings.TrimSpace(m.FirstName) + " " + strings.TrimSpace(m.LastName))
}

// DiscrepancyRecord is one append-only audit entry written when the local
// status disagreed with Stripe during reconciliation.
type DiscrepancyRecord struct {
	ID               string    `json:"id"`
	MemberID         string    `json:"member_id"`
	StripeCustomerID string    `json:"stripe_customer_id"`
	DBStatus         string    `json:"db_status"`
	StripeStatus     string    `json:"stripe_status"`
	DetectedAt       time.Time `json:"detected_at"`
}

// ErrorDetail names the member a reconciliation error belongs to.
type ErrorDetail struct {
	MemberEmail string `json:"member_email"`
	Error       string `json:"error"`
}

// SyncReport summarizes one reconciliation run.
type SyncReport struct {
	ID                 string        `json:"id"`
	Timestamp          time.Time     `json:"timestamp"`
	TotalMembers       int           `json:"total_members"`
	Verified           int           `json:"verified"`
	DiscrepanciesFound int           `json:"discrepancies_found"`
	DiscrepanciesFixed int           `json:"discrepancies_fixed"`
	Errors             int           `json:"errors"`
	ErrorDetails       []ErrorDetail `json:"error_details"`
	Partial            bool          `json:"partial"`
	DurationMS         int64         `json:"duration_ms"`
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateMemberID returns a member ID of the form "m_" followed by 10 random
// Crockford base32 characters (50 bits of entropy).
func GenerateMemberID() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate member id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("m_")
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

var (
	recordEntropyMu sync.Mutex
	recordEntropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewRecordID returns a lexically time-ordered ID for append-only records.
// IDs minted in the same millisecond sort in the order they were created.
func NewRecordID(at time.Time) string {
	recordEntropyMu.Lock()
	defer recordEntropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), recordEntropy).String()
}

// NormalizeEmail lower-cases and trims an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
