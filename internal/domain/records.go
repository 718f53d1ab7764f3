package domain

import (
	"encoding/json"
	"time"
)

// Subscription is one push-notification registration with the provider
type Subscription struct {
	ID              string     `json:"id"`
	Resource        string     `json:"resource"`
	ChangeType      string     `json:"change_type"`
	NotificationURL string     `json:"notification_url"`
	ClientState     string     `json:"-"`
	ExpiresAt       time.Time  `json:"expiration_date_time"`
	Active          bool       `json:"active"`
	RenewalAttempts int        `json:"renewal_attempts"`
	LastError       string     `json:"last_error,omitempty"`
	LastErrorAt     *time.Time `json:"last_error_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ProcessingState is explicit so "no error yet" and "failed" never share a sentinel
type ProcessingState string

const (
	ProcessingPending   ProcessingState = "pending"
	ProcessingProcessed ProcessingState = "processed"
	ProcessingFailed    ProcessingState = "failed"
)

// NotificationRecord audits one inbound webhook notification (or a synthetic trigger)
type NotificationRecord struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	ChangeType     string          `json:"change_type"`
	Resource       string          `json:"resource"`
	ResourceData   json.RawMessage `json:"resource_data,omitempty"`
	State          ProcessingState `json:"state"`
	Error          string          `json:"error,omitempty"`
	Attempts       int             `json:"attempts"`
	ReceivedAt     time.Time       `json:"received_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// Channel is an outbound notification medium
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// ParseChannel validates a channel name
func ParseChannel(s string) (Channel, bool) {
	switch Channel(s) {
	case ChannelPush, ChannelSMS, ChannelEmail:
		return Channel(s), true
	}
	return "", false
}

// QueueStatus is the delivery state of a queue item
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSending QueueStatus = "sending" // claimed by a drain
	QueueSent    QueueStatus = "sent"
	QueueFailed  QueueStatus = "failed"
)

// QueueItem is one outbound notification
type QueueItem struct {
	ID            string      `json:"id"`
	Channel       Channel     `json:"channel"`
	Recipient     string      `json:"recipient"`
	Subject       string      `json:"subject,omitempty"`
	Body          string      `json:"body"`
	TaskID        string      `json:"task_id,omitempty"`
	Status        QueueStatus `json:"status"`
	RetryCount    int         `json:"retry_count"`
	MaxRetries    int         `json:"max_retries"`
	NextRetryAt   time.Time   `json:"next_retry_at"`
	SentAt        *time.Time  `json:"sent_at,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	ClaimedAt     *time.Time  `json:"claimed_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Contact is how an assignee can be reached on sms and email
type Contact struct {
	Username string
	Phone    string
	Email    string
}
