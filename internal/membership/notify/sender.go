package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"time"

	"github.com/rs/zerolog"
)

const (
	postmarkAPIURL         = "https://api.postmarkapp.com/email"
	defaultMessageStream   = "outbound"
	defaultPostmarkTimeout = 10 * time.Second
	maxLoggedBody          = 4096
)

// Sender delivers a rendered notification.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is a rendered member notification.
type Message struct {
	Kind     Kind
	From     string
	To       string
	ToName   string
	MemberID string
	Subject  string
	HTML     string
	Text     string
}

// recipient formats the To header, naming the member when known.
func (m Message) recipient() string {
	if m.ToName == "" {
		return m.To
	}
	return (&mail.Address{Name: m.ToName, Address: m.To}).String()
}

// PostmarkConfig configures PostmarkSender. Zero values take defaults.
type PostmarkConfig struct {
	ServerToken   string
	MessageStream string
	Endpoint      string
	Timeout       time.Duration
}

// PostmarkSender delivers notifications through the Postmark email API.
type PostmarkSender struct {
	cfg        PostmarkConfig
	httpClient *http.Client
}

// NewPostmarkSender creates a PostmarkSender.
func NewPostmarkSender(cfg PostmarkConfig) *PostmarkSender {
	if cfg.MessageStream == "" {
		cfg.MessageStream = defaultMessageStream
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = postmarkAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPostmarkTimeout
	}
	return &PostmarkSender{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

// PostmarkError is a delivery Postmark refused.
type PostmarkError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *PostmarkError) Error() string {
	return fmt.Sprintf("postmark rejected message (HTTP %d): code=%d message=%s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether resending the same message may succeed.
func (e *PostmarkError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type postmarkEmail struct {
	From          string            `json:"From"`
	To            string            `json:"To"`
	Subject       string            `json:"Subject"`
	HtmlBody      string            `json:"HtmlBody,omitempty"`
	TextBody      string            `json:"TextBody,omitempty"`
	Tag           string            `json:"Tag,omitempty"`
	MessageStream string            `json:"MessageStream"`
	Metadata      map[string]string `json:"Metadata,omitempty"`
}

type postmarkReply struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	MessageID string `json:"MessageID"`
}

// Send posts msg to Postmark. A non-zero ErrorCode is a failure even when
// the HTTP status is 200.
func (p *PostmarkSender) Send(ctx context.Context, msg Message) error {
	email := postmarkEmail{
		From:          msg.From,
		To:            msg.recipient(),
		Subject:       msg.Subject,
		HtmlBody:      msg.HTML,
		TextBody:      msg.Text,
		Tag:           string(msg.Kind),
		MessageStream: p.cfg.MessageStream,
	}
	if msg.MemberID != "" {
		email.Metadata = map[string]string{"member_id": msg.MemberID}
	}
	body, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("encode %s email: %w", msg.Kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s email request: %w", msg.Kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.cfg.ServerToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s email: %w", msg.Kind, err)
	}
	defer resp.Body.Close()

	var reply postmarkReply
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &reply); err != nil && resp.StatusCode == http.StatusOK {
		return fmt.Errorf("decode postmark reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK || reply.ErrorCode != 0 {
		return &PostmarkError{StatusCode: resp.StatusCode, Code: reply.ErrorCode, Message: reply.Message}
	}

	zerolog.Ctx(ctx).Debug().
		Str("notification", string(msg.Kind)).
		Str("message_id", reply.MessageID).
		Msg("Member email accepted by Postmark")
	return nil
}

// LogSender writes notifications to the log instead of delivering them.
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs msg with its text body truncated.
func (l *LogSender) Send(_ context.Context, msg Message) error {
	body := msg.Text
	if len(body) > maxLoggedBody {
		body = body[:maxLoggedBody] + "...(truncated)"
	}
	l.logger.Info().
		Str("notification", string(msg.Kind)).
		Str("to", msg.To).
		Str("member_id", msg.MemberID).
		Str("subject", msg.Subject).
		Str("body", body).
		Msg("Email (log-only, no email provider configured)")
	return nil
}
