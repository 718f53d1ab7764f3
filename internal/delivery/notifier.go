package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/graph"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/reconcile"
	"github.com/austindbirch/pallet_sync/internal/store"
)

// Preparer is satisfied by *Queue
type Preparer interface {
	Prepare(item domain.QueueItem) (domain.QueueItem, error)
}

// AssignmentNotifier turns reconciliation events into queue items, one per
// configured channel. Push goes to the username; sms and email look the
// assignee up in the contact directory and skip channels with no address.
// The items are returned, not stored: the reconciliation engine stages them
// with the task writes.
type AssignmentNotifier struct {
	queue    Preparer
	contacts store.Contacts
	channels []domain.Channel
	logger   *logging.Logger
}

func NewAssignmentNotifier(queue Preparer, contacts store.Contacts, channels []string, logger *logging.Logger) (*AssignmentNotifier, error) {
	n := &AssignmentNotifier{queue: queue, contacts: contacts, logger: logger}
	for _, c := range channels {
		ch, ok := domain.ParseChannel(c)
		if !ok {
			return nil, &domain.ValidationError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q", c)}
		}
		n.channels = append(n.channels, ch)
	}
	if n.logger == nil {
		n.logger = logging.New("palletsync-delivery")
	}
	return n, nil
}

// Compose builds the queue items for events. A failed contact lookup other
// than a missing contact fails the whole call so the pass can be retried.
func (n *AssignmentNotifier) Compose(ctx context.Context, events []reconcile.Event) ([]domain.QueueItem, error) {
	var items []domain.QueueItem
	for _, ev := range events {
		contact, lookupErr := n.lookup(ctx, ev.Task.AssignedTo)
		if lookupErr != nil && !errors.Is(lookupErr, domain.ErrNotFound) {
			return nil, fmt.Errorf("look up contact %s: %w", ev.Task.AssignedTo, lookupErr)
		}
		subject, body := compose(ev)
		for _, ch := range n.channels {
			recipient := ev.Task.AssignedTo
			switch ch {
			case domain.ChannelSMS:
				recipient = contact.Phone
			case domain.ChannelEmail:
				recipient = contact.Email
			}
			log := n.logger.WithContext(ctx).WithTask(ev.Task.TaskID).WithFields(map[string]any{
				"assignee": ev.Task.AssignedTo,
				"channel":  ch,
			})
			if recipient == "" {
				log.WithField("lookup", fmt.Sprint(lookupErr)).Warn("no address for assignee, skipping channel")
				continue
			}
			item, err := n.queue.Prepare(domain.QueueItem{
				Channel:   ch,
				Recipient: recipient,
				Subject:   subject,
				Body:      body,
				TaskID:    ev.Task.TaskID,
			})
			if err != nil {
				log.WithError(err).Error("unusable notification, skipping channel")
				continue
			}
			items = append(items, item)
		}
	}
	return items, nil
}

func (n *AssignmentNotifier) lookup(ctx context.Context, username string) (domain.Contact, error) {
	if n.contacts == nil {
		return domain.Contact{}, nil
	}
	return n.contacts.Lookup(ctx, username)
}

func compose(ev reconcile.Event) (subject, body string) {
	t := ev.Task
	where := fmt.Sprintf("job %s release %s pallet %s", orDash(t.JobNumber), orDash(t.ReleaseNumber), orDash(t.PalletNumber))
	switch ev.Kind {
	case reconcile.EventStarted:
		subject = fmt.Sprintf("Pallet %s started", t.TaskID)
		body = fmt.Sprintf("Pallet task %s (%s) is now %s.", t.TaskID, where, graph.StatusLabel(t.Status))
	case reconcile.EventCompleted:
		subject = fmt.Sprintf("Pallet %s done", t.TaskID)
		body = fmt.Sprintf("Pallet task %s (%s) is %s.", t.TaskID, where, graph.StatusLabel(t.Status))
	default:
		subject = fmt.Sprintf("Pallet %s assigned to you", t.TaskID)
		body = fmt.Sprintf("You have been assigned pallet task %s (%s).", t.TaskID, where)
	}
	if t.DueDate != "" {
		body += " Due " + t.DueDate + "."
	}
	return subject, body
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
