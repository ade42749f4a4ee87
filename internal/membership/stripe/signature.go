package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	merrors "github.com/rcourtman/memberd/internal/errors"
)

const (
	// SignatureHeader is the HTTP header Stripe signs deliveries with.
	SignatureHeader = "Stripe-Signature"

	signingScheme = "v1"

	// DefaultTolerance is the accepted clock skew between Stripe and us.
	DefaultTolerance = 300 * time.Second
)

var (
	ErrMissingSignatureHeader    = errors.New("missing Stripe-Signature header")
	ErrMalformedHeader           = errors.New("malformed Stripe-Signature header")
	ErrNoValidSignature          = errors.New("no valid v1 signature")
	ErrTimestampOutsideTolerance = errors.New("signature timestamp outside tolerance")
	ErrNoSecretConfigured        = errors.New("webhook secret not configured")
)

// ParsedHeader is the decoded content of a Stripe-Signature header.
type ParsedHeader struct {
	Timestamp  int64
	Signatures []string // every v1 value, in header order
}

// VerifiedSignature is the timestamp and the signature that matched.
type VerifiedSignature struct {
	Timestamp time.Time
	Signature string
}

// ParseSignatureHeader splits "t=...,v1=...,v1=..." into its parts. Unknown
// schemes (v0) are ignored.
func ParseSignatureHeader(header string) (ParsedHeader, error) {
	var parsed ParsedHeader
	if strings.TrimSpace(header) == "" {
		return parsed, ErrMissingSignatureHeader
	}

	haveTimestamp := false
	for _, pair := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return parsed, ErrMalformedHeader
			}
			parsed.Timestamp = ts
			haveTimestamp = true
		case signingScheme:
			if value != "" {
				parsed.Signatures = append(parsed.Signatures, value)
			}
		}
	}

	if !haveTimestamp {
		return parsed, ErrMalformedHeader
	}
	if len(parsed.Signatures) == 0 {
		return parsed, ErrNoValidSignature
	}
	return parsed, nil
}

// ComputeSignature returns the lowercase hex HMAC-SHA256 of "{t}.{payload}".
func ComputeSignature(timestamp int64, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks payload against every v1 signature in header. It
// does not look at the clock; Verifier adds the replay window.
func VerifySignature(payload []byte, header, secret string) (VerifiedSignature, error) {
	parsed, err := ParseSignatureHeader(header)
	if err != nil {
		return VerifiedSignature{}, err
	}
	return verifyParsed(payload, parsed, secret)
}

func verifyParsed(payload []byte, parsed ParsedHeader, secret string) (VerifiedSignature, error) {
	expected := ComputeSignature(parsed.Timestamp, payload, secret)
	for _, candidate := range parsed.Signatures {
		if ok, _ := constantTimeEqual(expected, candidate); ok {
			return VerifiedSignature{
				Timestamp: time.Unix(parsed.Timestamp, 0).UTC(),
				Signature: candidate,
			}, nil
		}
	}
	return VerifiedSignature{}, ErrNoValidSignature
}

// constantTimeEqual compares two strings without short-circuiting on the
// first differing byte. steps is the number of bytes examined: zero on a
// length mismatch, otherwise always the full length.
func constantTimeEqual(a, b string) (equal bool, steps int) {
	if len(a) != len(b) {
		return false, 0
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
		steps++
	}
	return diff == 0, steps
}

// Verifier authenticates webhook deliveries against one or more secrets and
// rejects timestamps outside the replay window.
type Verifier struct {
	secrets   []string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier builds a Verifier. Empty secrets are dropped; a non-positive
// tolerance falls back to DefaultTolerance.
func NewVerifier(secrets []string, tolerance time.Duration) *Verifier {
	cleaned := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secrets: cleaned, tolerance: tolerance, now: time.Now}
}

// Configured reports whether at least one secret is set.
func (v *Verifier) Configured() bool {
	return v != nil && len(v.secrets) > 0
}

// Verify authenticates payload. Failures are *errors.SyncError values of kind
// authentication wrapping one of the Err* sentinels above.
func (v *Verifier) Verify(payload []byte, header string) (VerifiedSignature, error) {
	if !v.Configured() {
		return VerifiedSignature{}, ErrNoSecretConfigured
	}
	parsed, err := ParseSignatureHeader(header)
	if err != nil {
		return VerifiedSignature{}, merrors.New(merrors.KindAuthentication, "verify_signature", err)
	}

	age := v.now().Sub(time.Unix(parsed.Timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > v.tolerance {
		return VerifiedSignature{}, merrors.New(merrors.KindAuthentication, "verify_signature", ErrTimestampOutsideTolerance)
	}

	for _, secret := range v.secrets {
		if sig, err := verifyParsed(payload, parsed, secret); err == nil {
			return sig, nil
		}
	}
	return VerifiedSignature{}, merrors.New(merrors.KindAuthentication, "verify_signature", ErrNoValidSignature)
}
