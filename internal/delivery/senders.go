package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/tracing"
)

// Sender delivers one item over its channel
type Sender interface {
	Send(ctx context.Context, item domain.QueueItem) error
}

type SenderFunc func(ctx context.Context, item domain.QueueItem) error

func (f SenderFunc) Send(ctx context.Context, item domain.QueueItem) error { return f(ctx, item) }

// ErrNoRecipient means nobody could be reached at the recipient address
var ErrNoRecipient = errors.New("recipient unreachable")

// SendError is a non-2xx answer from an HTTP-based channel
type SendError struct {
	Channel    domain.Channel
	StatusCode int
	Body       string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send failed: status %d: %s", e.Channel, e.StatusCode, e.Body)
}

// Dispatcher routes items to the sender registered for their channel
type Dispatcher map[domain.Channel]Sender

func (d Dispatcher) Send(ctx context.Context, item domain.QueueItem) error {
	s, ok := d[item.Channel]
	if !ok || s == nil {
		return fmt.Errorf("no sender configured for channel %q", item.Channel)
	}
	return s.Send(ctx, item)
}

// SMSSender posts to a Twilio-compatible Messages endpoint
type SMSSender struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	HTTPClient *http.Client
}

func (s *SMSSender) Send(ctx context.Context, item domain.QueueItem) error {
	if item.Recipient == "" {
		return ErrNoRecipient
	}
	form := url.Values{}
	form.Set("To", item.Recipient)
	form.Set("From", s.From)
	form.Set("Body", item.Body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(s.BaseURL, "/"), url.PathEscape(s.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.AccountSID, s.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &SendError{Channel: domain.ChannelSMS, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

// EmailSender sends plain-text mail through an SMTP relay
type EmailSender struct {
	Addr     string // host:port
	Username string
	Password string
	From     string

	// sendMail is swapped in tests
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (s *EmailSender) Send(ctx context.Context, item domain.QueueItem) error {
	if item.Recipient == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if s.Username != "" {
		host := s.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}
	send := s.sendMail
	if send == nil {
		send = smtp.SendMail
	}
	return send(s.Addr, auth, s.From, []string{item.Recipient}, buildMessage(s.From, item))
}

func buildMessage(from string, item domain.QueueItem) []byte {
	subject := item.Subject
	if subject == "" {
		subject = "Pallet update"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", item.Recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(item.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
