package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
)

// NewMemory returns a process-local backend. State is lost on exit.
func NewMemory() *Store {
	queue := &memQueue{items: make(map[string]domain.QueueItem)}
	return &Store{
		Tasks:         &memTasks{queue: queue},
		Subscriptions: &memSubscriptions{subs: make(map[string]domain.Subscription)},
		Notifications: &memNotifications{recs: make(map[string]domain.NotificationRecord)},
		Queue:         queue,
		Contacts:      &memContacts{contacts: make(map[string]domain.Contact)},
	}
}

func cloneTask(t domain.Task) domain.Task {
	t.Accessories = slices.Clone(t.Accessories)
	return t
}

// ---- tasks ----

type memTasks struct {
	// apply serializes WithinLock callers; mu guards rows
	apply sync.Mutex
	mu    sync.RWMutex
	rows  []domain.Task
	// queue receives items staged inside WithinLock
	queue *memQueue
}

func (s *memTasks) WithinLock(ctx context.Context, fn func(ctx context.Context, tx TaskTx) error) error {
	s.apply.Lock()
	defer s.apply.Unlock()

	s.mu.RLock()
	work := make([]domain.Task, len(s.rows))
	for i, t := range s.rows {
		work[i] = cloneTask(t)
	}
	s.mu.RUnlock()

	tx := &memTaskTx{rows: work}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.rows = tx.rows
	s.mu.Unlock()
	if len(tx.queued) > 0 {
		s.queue.mu.Lock()
		for _, item := range tx.queued {
			s.queue.items[item.ID] = item
		}
		s.queue.mu.Unlock()
	}
	return nil
}

func (s *memTasks) Get(ctx context.Context, taskID string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.rows {
		if t.TaskID == taskID && !t.Deleted {
			return cloneTask(t), nil
		}
	}
	return domain.Task{}, &domain.NotFoundError{Kind: "task", ID: taskID}
}

func (s *memTasks) ListActive(ctx context.Context) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return activeTasks(s.rows), nil
}

func activeTasks(rows []domain.Task) []domain.Task {
	var out []domain.Task
	for _, t := range rows {
		if !t.Deleted {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// memTaskTx works on a private copy that WithinLock publishes on success
type memTaskTx struct {
	rows   []domain.Task
	queued []domain.QueueItem
}

func (t *memTaskTx) ListActive(ctx context.Context) ([]domain.Task, error) {
	return activeTasks(t.rows), nil
}

func (t *memTaskTx) Insert(ctx context.Context, tasks []domain.Task) error {
	now := time.Now().UTC()
	for _, task := range tasks {
		for _, existing := range t.rows {
			if existing.TaskID == task.TaskID && !existing.Deleted {
				return &domain.ValidationError{Field: "task_id", Reason: "duplicate live task " + task.TaskID}
			}
		}
		task = cloneTask(task)
		task.Deleted = false
		task.CreatedAt, task.UpdatedAt = now, now
		t.rows = append(t.rows, task)
	}
	return nil
}

func (t *memTaskTx) Patch(ctx context.Context, taskID string, p domain.TaskPatch) error {
	if p.Empty() {
		return nil
	}
	for i := range t.rows {
		if t.rows[i].TaskID == taskID && !t.rows[i].Deleted {
			p.Apply(&t.rows[i])
			t.rows[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return &domain.NotFoundError{Kind: "task", ID: taskID}
}

func (t *memTaskTx) SoftDelete(ctx context.Context, taskIDs []string) error {
	now := time.Now().UTC()
	for i := range t.rows {
		if !t.rows[i].Deleted && slices.Contains(taskIDs, t.rows[i].TaskID) {
			t.rows[i].Deleted = true
			t.rows[i].UpdatedAt = now
		}
	}
	return nil
}

func (t *memTaskTx) Enqueue(ctx context.Context, items []domain.QueueItem) error {
	for _, item := range items {
		if item.ID == "" {
			return &domain.ValidationError{Field: "id", Reason: "queue item has no id"}
		}
	}
	t.queued = append(t.queued, items...)
	return nil
}

// ---- subscriptions ----

type memSubscriptions struct {
	mu   sync.RWMutex
	subs map[string]domain.Subscription
}

func (s *memSubscriptions) Save(ctx context.Context, sub domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.subs[sub.ID]; ok {
		sub.CreatedAt = prev.CreatedAt
	} else if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	s.subs[sub.ID] = sub
	return nil
}

func (s *memSubscriptions) Get(ctx context.Context, id string) (domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return domain.Subscription{}, &domain.NotFoundError{Kind: "subscription", ID: id}
	}
	return sub, nil
}

func (s *memSubscriptions) List(ctx context.Context, includeInactive bool) ([]domain.Subscription, error) {
	return s.filter(func(sub domain.Subscription) bool { return sub.Active || includeInactive }), nil
}

func (s *memSubscriptions) ListExpiring(ctx context.Context, cutoff time.Time) ([]domain.Subscription, error) {
	return s.filter(func(sub domain.Subscription) bool {
		return sub.Active && !sub.ExpiresAt.After(cutoff)
	}), nil
}

func (s *memSubscriptions) filter(keep func(domain.Subscription) bool) []domain.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Subscription
	for _, sub := range s.subs {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// ---- notifications ----

type memNotifications struct {
	mu   sync.RWMutex
	recs map[string]domain.NotificationRecord
}

func (s *memNotifications) Insert(ctx context.Context, rec domain.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.State == "" {
		rec.State = domain.ProcessingPending
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	s.recs[rec.ID] = rec
	return nil
}

func (s *memNotifications) Get(ctx context.Context, id string) (domain.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return domain.NotificationRecord{}, &domain.NotFoundError{Kind: "notification", ID: id}
	}
	return rec, nil
}

func (s *memNotifications) MarkProcessed(ctx context.Context, ids []string, at time.Time) error {
	s.update(ids, func(rec *domain.NotificationRecord) {
		rec.State = domain.ProcessingProcessed
		rec.Error = ""
		rec.Attempts++
		processedAt := at
		rec.ProcessedAt = &processedAt
	})
	return nil
}

func (s *memNotifications) MarkFailed(ctx context.Context, ids []string, errText string) error {
	s.update(ids, func(rec *domain.NotificationRecord) {
		rec.State = domain.ProcessingFailed
		rec.Error = errText
		rec.Attempts++
	})
	return nil
}

func (s *memNotifications) update(ids []string, fn func(*domain.NotificationRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if rec, ok := s.recs[id]; ok {
			fn(&rec)
			s.recs[id] = rec
		}
	}
}

func (s *memNotifications) ListRetryable(ctx context.Context, stuckBefore time.Time, maxAttempts, limit int) ([]domain.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.NotificationRecord
	for _, rec := range s.recs {
		if rec.Attempts >= maxAttempts {
			continue
		}
		stuck := rec.State == domain.ProcessingPending && rec.ReceivedAt.Before(stuckBefore)
		if rec.State == domain.ProcessingFailed || stuck {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- delivery queue ----

type memQueue struct {
	mu    sync.Mutex
	items map[string]domain.QueueItem
}

func (s *memQueue) Insert(ctx context.Context, item domain.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return nil
}

func (s *memQueue) Get(ctx context.Context, id string) (domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return domain.QueueItem{}, &domain.NotFoundError{Kind: "queue item", ID: id}
	}
	return item, nil
}

func (s *memQueue) Claim(ctx context.Context, now, staleBefore time.Time, limit int) ([]domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.QueueItem
	for id, item := range s.items {
		if item.Status == domain.QueueSending && item.ClaimedAt != nil && item.ClaimedAt.Before(staleBefore) {
			item.Status = domain.QueuePending
			item.ClaimedAt = nil
			s.items[id] = item
		}
		if item.Status == domain.QueuePending && !item.NextRetryAt.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		claimedAt := now
		due[i].Status = domain.QueueSending
		due[i].ClaimedAt = &claimedAt
		s.items[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *memQueue) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(item *domain.QueueItem) {
		sentAt := at
		item.Status = domain.QueueSent
		item.SentAt = &sentAt
		item.ClaimedAt = nil
	})
}

func (s *memQueue) MarkRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, reason string) error {
	return s.update(id, func(item *domain.QueueItem) {
		item.Status = domain.QueuePending
		item.RetryCount = retryCount
		item.NextRetryAt = nextRetryAt
		item.FailureReason = reason
		item.ClaimedAt = nil
	})
}

func (s *memQueue) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.update(id, func(item *domain.QueueItem) {
		item.Status = domain.QueueFailed
		item.FailureReason = reason
		item.ClaimedAt = nil
	})
}

func (s *memQueue) update(id string, fn func(*domain.QueueItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return &domain.NotFoundError{Kind: "queue item", ID: id}
	}
	fn(&item)
	s.items[id] = item
	return nil
}

func (s *memQueue) Counts(ctx context.Context) (map[domain.QueueStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.QueueStatus]int)
	for _, item := range s.items {
		out[item.Status]++
	}
	return out, nil
}

// ---- contacts ----

type memContacts struct {
	mu       sync.RWMutex
	contacts map[string]domain.Contact
}

func (s *memContacts) Lookup(ctx context.Context, username string) (domain.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[strings.ToLower(username)]
	if !ok {
		return domain.Contact{}, &domain.NotFoundError{Kind: "user", ID: username}
	}
	return c, nil
}

func (s *memContacts) Save(ctx context.Context, c domain.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[strings.ToLower(c.Username)] = c
	return nil
}
