package delivery

import (
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
)

const DLQType = "queue.dlq"

// DeadLetter is the envelope published when a queue item exhausts its retries
type DeadLetter struct {
	Type       string           `json:"type"`    // "queue.dlq"
	Version    string           `json:"version"` // schema version
	At         string           `json:"at"`      // RFC3339 time the item was dead-lettered
	Reason     string           `json:"reason"`
	RetryCount int              `json:"retry_count"`
	LastError  string           `json:"last_error,omitempty"`
	Item       domain.QueueItem `json:"item"` // snapshot at the time of failure
}

func NewDeadLetter(item domain.QueueItem, at time.Time, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         at.Format(time.RFC3339Nano),
		Reason:     reason,
		RetryCount: item.RetryCount,
		LastError:  lastErr,
		Item:       item,
	}
}

// Publisher is the slice of *nsq.Producer the queue needs
type Publisher interface {
	Publish(topic string, body []byte) error
}
