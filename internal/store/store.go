// Package store persists canonical tasks, subscriptions, notification
// records, the delivery queue and the contact directory. Two backends share
// the same interfaces: Postgres for deployments and an in-memory one for
// development and tests.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/pallet_sync/internal/db"
	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskTx is the view of the task table inside the reconciliation critical section
type TaskTx interface {
	ListActive(ctx context.Context) ([]domain.Task, error)
	Insert(ctx context.Context, tasks []domain.Task) error
	Patch(ctx context.Context, taskID string, p domain.TaskPatch) error
	SoftDelete(ctx context.Context, taskIDs []string) error
	// Enqueue stages prepared queue items that commit with the task writes
	Enqueue(ctx context.Context, items []domain.QueueItem) error
}

type Tasks interface {
	// WithinLock runs fn inside a store-wide critical section. Everything fn
	// writes through tx commits together or not at all.
	WithinLock(ctx context.Context, fn func(ctx context.Context, tx TaskTx) error) error
	Get(ctx context.Context, taskID string) (domain.Task, error)
	ListActive(ctx context.Context) ([]domain.Task, error)
}

type Subscriptions interface {
	Save(ctx context.Context, s domain.Subscription) error
	Get(ctx context.Context, id string) (domain.Subscription, error)
	// List returns subscriptions ordered by expiry; inactive ones only when asked
	List(ctx context.Context, includeInactive bool) ([]domain.Subscription, error)
	// ListExpiring returns active subscriptions expiring at or before the cutoff
	ListExpiring(ctx context.Context, cutoff time.Time) ([]domain.Subscription, error)
}

type Notifications interface {
	Insert(ctx context.Context, rec domain.NotificationRecord) error
	Get(ctx context.Context, id string) (domain.NotificationRecord, error)
	MarkProcessed(ctx context.Context, ids []string, at time.Time) error
	// MarkFailed records errText, flips the state to failed and counts the attempt
	MarkFailed(ctx context.Context, ids []string, errText string) error
	// ListRetryable returns failed records, and pending records received before
	// stuckBefore, that have fewer than maxAttempts attempts
	ListRetryable(ctx context.Context, stuckBefore time.Time, maxAttempts, limit int) ([]domain.NotificationRecord, error)
}

type Queue interface {
	Insert(ctx context.Context, item domain.QueueItem) error
	Get(ctx context.Context, id string) (domain.QueueItem, error)
	// Claim releases claims older than staleBefore, then flips up to limit due
	// pending items to sending and returns them
	Claim(ctx context.Context, now, staleBefore time.Time, limit int) ([]domain.QueueItem, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, reason string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	Counts(ctx context.Context) (map[domain.QueueStatus]int, error)
}

type Contacts interface {
	Lookup(ctx context.Context, username string) (domain.Contact, error)
	Save(ctx context.Context, c domain.Contact) error
}

// Store bundles every repository of one backend
type Store struct {
	Tasks         Tasks
	Subscriptions Subscriptions
	Notifications Notifications
	Queue         Queue
	Contacts      Contacts

	// Pool is nil for the memory backend
	Pool  *pgxpool.Pool
	close func()
}

func (s *Store) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// Open builds the backend named by kind, connecting and migrating when it is Postgres
func Open(ctx context.Context, kind, dsn string) (*Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "postgres", "postgresql":
		pool, err := db.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return NewPostgres(pool), nil
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}
