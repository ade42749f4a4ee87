// Package notify sends member-facing emails for billing lifecycle events.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcourtman/memberd/internal/membership/metrics"
)

// Kind names a notification.
type Kind string

const (
	KindWelcome       Kind = "welcome"
	KindCancellation  Kind = "cancellation"
	KindPaymentFailed Kind = "payment_failed"
)

// Recipient is the member a notification is addressed to.
type Recipient struct {
	MemberID       string
	Email          string
	Name           string // greeting name
	FullName       string
	MembershipType string
}

// PaymentFailure describes the failed invoice.
type PaymentFailure struct {
	AttemptCount int64
	AmountDue    int64 // minor units
	Currency     string
	InvoiceURL   string
}

// Config holds the sender identity and links used in emails.
type Config struct {
	From      string
	SiteName  string
	PortalURL string
}

// Notifier renders and sends member notifications.
type Notifier struct {
	sender Sender
	cfg    Config
}

// New creates a Notifier.
func New(sender Sender, cfg Config) *Notifier {
	if strings.TrimSpace(cfg.SiteName) == "" {
		cfg.SiteName = "Membership"
	}
	return &Notifier{sender: sender, cfg: cfg}
}

// Welcome is sent after a completed checkout.
func (n *Notifier) Welcome(ctx context.Context, to Recipient) error {
	if n == nil {
		return nil
	}
	return n.send(ctx, KindWelcome, to, templateData{
		Subject:        fmt.Sprintf("Welcome to %s", n.cfg.SiteName),
		MembershipType: to.MembershipType,
	})
}

// Cancellation is sent when a subscription is deleted.
func (n *Notifier) Cancellation(ctx context.Context, to Recipient) error {
	if n == nil {
		return nil
	}
	return n.send(ctx, KindCancellation, to, templateData{
		Subject: fmt.Sprintf("Your %s membership has been canceled", n.cfg.SiteName),
	})
}

// PaymentFailed is sent for every failed invoice payment.
func (n *Notifier) PaymentFailed(ctx context.Context, to Recipient, failure PaymentFailure) error {
	if n == nil {
		return nil
	}
	return n.send(ctx, KindPaymentFailed, to, templateData{
		Subject:      "We couldn't process your membership payment",
		Amount:       formatAmount(failure.AmountDue, failure.Currency),
		AttemptCount: failure.AttemptCount,
		InvoiceURL:   failure.InvoiceURL,
	})
}

func (n *Notifier) send(ctx context.Context, kind Kind, to Recipient, data templateData) error {
	if n.sender == nil {
		return nil
	}
	if strings.TrimSpace(to.Email) == "" {
		metrics.NotificationsTotal.WithLabelValues(string(kind), "failed").Inc()
		return fmt.Errorf("send %s: recipient has no email", kind)
	}

	data.SiteName = n.cfg.SiteName
	data.PortalURL = n.cfg.PortalURL
	data.Name = to.Name
	if data.Name == "" {
		data.Name = "there"
	}
	if data.MembershipType == "" {
		data.MembershipType = "new"
	}

	html, text, err := render(kind, data)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(kind), "failed").Inc()
		return err
	}
	err = n.sender.Send(ctx, Message{
		Kind:     kind,
		From:     n.cfg.From,
		To:       to.Email,
		ToName:   to.FullName,
		MemberID: to.MemberID,
		Subject:  data.Subject,
		HTML:     html,
		Text:     text,
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(kind), "failed").Inc()
		return fmt.Errorf("send %s: %w", kind, err)
	}
	metrics.NotificationsTotal.WithLabelValues(string(kind), "sent").Inc()
	return nil
}
