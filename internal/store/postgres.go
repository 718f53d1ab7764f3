package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// tasksLockKey names the advisory lock that serializes reconciliation applies
const tasksLockKey int64 = 0x70616c6c6574

// NewPostgres wraps an already migrated pool
func NewPostgres(pool *pgxpool.Pool) *Store {
	return &Store{
		Tasks:         &pgTasks{pool: pool},
		Subscriptions: &pgSubscriptions{pool: pool},
		Notifications: &pgNotifications{pool: pool},
		Queue:         &pgQueue{pool: pool},
		Contacts:      &pgContacts{pool: pool},
		Pool:          pool,
		close:         pool.Close,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

// ---- tasks ----

const taskColumns = `task_id, job_number, release_number, pallet_number, size, elevation,
	status, assigned_to, due_date, accessories, shipped_date, notes, deleted, created_at, updated_at`

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var status string
	err := row.Scan(&t.TaskID, &t.JobNumber, &t.ReleaseNumber, &t.PalletNumber, &t.Size, &t.Elevation,
		&status, &t.AssignedTo, &t.DueDate, &t.Accessories, &t.ShippedDate, &t.Notes, &t.Deleted,
		&t.CreatedAt, &t.UpdatedAt)
	t.Status = domain.TaskStatus(status)
	return t, err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listActiveTasks(ctx context.Context, q querier) ([]domain.Task, error) {
	rows, err := q.Query(ctx, `SELECT `+taskColumns+` FROM palletsync.tasks WHERE NOT deleted ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type pgTasks struct {
	pool *pgxpool.Pool
}

func (s *pgTasks) WithinLock(ctx context.Context, fn func(ctx context.Context, tx TaskTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, tasksLockKey); err != nil {
			return fmt.Errorf("acquire tasks lock: %w", err)
		}
		return fn(ctx, &pgTaskTx{tx: tx})
	})
}

func (s *pgTasks) Get(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM palletsync.tasks WHERE task_id = $1 AND NOT deleted`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, &domain.NotFoundError{Kind: "task", ID: taskID}
	}
	return t, err
}

func (s *pgTasks) ListActive(ctx context.Context) ([]domain.Task, error) {
	return listActiveTasks(ctx, s.pool)
}

type pgTaskTx struct {
	tx pgx.Tx
}

func (t *pgTaskTx) ListActive(ctx context.Context) ([]domain.Task, error) {
	return listActiveTasks(ctx, t.tx)
}

func (t *pgTaskTx) Insert(ctx context.Context, tasks []domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, task := range tasks {
		accessories := task.Accessories
		if accessories == nil {
			accessories = []string{}
		}
		batch.Queue(`
			INSERT INTO palletsync.tasks (task_id, job_number, release_number, pallet_number, size,
				elevation, status, assigned_to, due_date, accessories, shipped_date, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			task.TaskID, task.JobNumber, task.ReleaseNumber, task.PalletNumber, task.Size,
			task.Elevation, string(task.Status), task.AssignedTo, task.DueDate, accessories,
			task.ShippedDate, task.Notes)
	}

	br := t.tx.SendBatch(ctx, batch)
	for _, task := range tasks {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert task %s: %w", task.TaskID, err)
		}
	}
	return br.Close()
}

func (t *pgTaskTx) Patch(ctx context.Context, taskID string, p domain.TaskPatch) error {
	if p.Empty() {
		return nil
	}
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.JobNumber != nil {
		add("job_number", *p.JobNumber)
	}
	if p.ReleaseNumber != nil {
		add("release_number", *p.ReleaseNumber)
	}
	if p.PalletNumber != nil {
		add("pallet_number", *p.PalletNumber)
	}
	if p.Size != nil {
		add("size", *p.Size)
	}
	if p.Elevation != nil {
		add("elevation", *p.Elevation)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.AssignedTo != nil {
		add("assigned_to", *p.AssignedTo)
	}
	if p.DueDate != nil {
		add("due_date", *p.DueDate)
	}
	if p.Accessories != nil {
		accessories := *p.Accessories
		if accessories == nil {
			accessories = []string{}
		}
		add("accessories", accessories)
	}
	if p.ShippedDate != nil {
		add("shipped_date", *p.ShippedDate)
	}
	if p.Notes != nil {
		add("notes", *p.Notes)
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, taskID)

	q := fmt.Sprintf(`UPDATE palletsync.tasks SET %s WHERE task_id = $%d AND NOT deleted`,
		strings.Join(sets, ", "), len(args))
	ct, err := t.tx.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("patch task %s: %w", taskID, err)
	}
	if ct.RowsAffected() == 0 {
		return &domain.NotFoundError{Kind: "task", ID: taskID}
	}
	return nil
}

func (t *pgTaskTx) SoftDelete(ctx context.Context, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE palletsync.tasks SET deleted = TRUE, updated_at = now()
		WHERE task_id = ANY($1) AND NOT deleted`, taskIDs)
	if err != nil {
		return fmt.Errorf("soft delete tasks: %w", err)
	}
	return nil
}

func (t *pgTaskTx) Enqueue(ctx context.Context, items []domain.QueueItem) error {
	for _, item := range items {
		if err := insertQueueItem(ctx, t.tx, item); err != nil {
			return err
		}
	}
	return nil
}

// ---- subscriptions ----

const subscriptionColumns = `id, resource, change_type, notification_url, client_state, expires_at,
	active, renewal_attempts, last_error, last_error_at, created_at, updated_at`

func scanSubscription(row scanner) (domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(&s.ID, &s.Resource, &s.ChangeType, &s.NotificationURL, &s.ClientState, &s.ExpiresAt,
		&s.Active, &s.RenewalAttempts, &s.LastError, &s.LastErrorAt, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

type pgSubscriptions struct {
	pool *pgxpool.Pool
}

func (s *pgSubscriptions) Save(ctx context.Context, sub domain.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO palletsync.subscriptions (id, resource, change_type, notification_url, client_state,
			expires_at, active, renewal_attempts, last_error, last_error_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			resource = EXCLUDED.resource,
			change_type = EXCLUDED.change_type,
			notification_url = EXCLUDED.notification_url,
			client_state = EXCLUDED.client_state,
			expires_at = EXCLUDED.expires_at,
			active = EXCLUDED.active,
			renewal_attempts = EXCLUDED.renewal_attempts,
			last_error = EXCLUDED.last_error,
			last_error_at = EXCLUDED.last_error_at,
			updated_at = now()`,
		sub.ID, sub.Resource, sub.ChangeType, sub.NotificationURL, sub.ClientState,
		sub.ExpiresAt, sub.Active, sub.RenewalAttempts, sub.LastError, sub.LastErrorAt)
	if err != nil {
		return fmt.Errorf("save subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (s *pgSubscriptions) Get(ctx context.Context, id string) (domain.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM palletsync.subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Subscription{}, &domain.NotFoundError{Kind: "subscription", ID: id}
	}
	return sub, err
}

func (s *pgSubscriptions) List(ctx context.Context, includeInactive bool) ([]domain.Subscription, error) {
	return s.query(ctx, `SELECT `+subscriptionColumns+` FROM palletsync.subscriptions
		WHERE active OR $1 ORDER BY expires_at`, includeInactive)
}

func (s *pgSubscriptions) ListExpiring(ctx context.Context, cutoff time.Time) ([]domain.Subscription, error) {
	return s.query(ctx, `SELECT `+subscriptionColumns+` FROM palletsync.subscriptions
		WHERE active AND expires_at <= $1 ORDER BY expires_at`, cutoff)
}

func (s *pgSubscriptions) query(ctx context.Context, q string, args ...any) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ---- notifications ----

const notificationColumns = `id::text, subscription_id, change_type, resource,
	COALESCE(resource_data::text, ''), state, error, attempts, received_at, processed_at`

func scanNotification(row scanner) (domain.NotificationRecord, error) {
	var n domain.NotificationRecord
	var data, state string
	err := row.Scan(&n.ID, &n.SubscriptionID, &n.ChangeType, &n.Resource, &data, &state,
		&n.Error, &n.Attempts, &n.ReceivedAt, &n.ProcessedAt)
	if data != "" {
		n.ResourceData = []byte(data)
	}
	n.State = domain.ProcessingState(state)
	return n, err
}

type pgNotifications struct {
	pool *pgxpool.Pool
}

func (s *pgNotifications) Insert(ctx context.Context, rec domain.NotificationRecord) error {
	// Pass JSON as TEXT and cast in SQL; NULL when there is no payload
	var data any
	if len(rec.ResourceData) > 0 {
		data = string(rec.ResourceData)
	}
	state := rec.State
	if state == "" {
		state = domain.ProcessingPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO palletsync.notifications (id, subscription_id, change_type, resource, resource_data,
			state, error, attempts, received_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)`,
		rec.ID, rec.SubscriptionID, rec.ChangeType, rec.Resource, data,
		string(state), rec.Error, rec.Attempts, rec.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *pgNotifications) Get(ctx context.Context, id string) (domain.NotificationRecord, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM palletsync.notifications WHERE id::text = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotificationRecord{}, &domain.NotFoundError{Kind: "notification", ID: id}
	}
	return n, err
}

func (s *pgNotifications) MarkProcessed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE palletsync.notifications
		SET state = 'processed', error = '', processed_at = $2, attempts = attempts + 1
		WHERE id::text = ANY($1)`, ids, at)
	if err != nil {
		return fmt.Errorf("mark notifications processed: %w", err)
	}
	return nil
}

func (s *pgNotifications) MarkFailed(ctx context.Context, ids []string, errText string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE palletsync.notifications
		SET state = 'failed', error = $2, attempts = attempts + 1
		WHERE id::text = ANY($1)`, ids, errText)
	if err != nil {
		return fmt.Errorf("mark notifications failed: %w", err)
	}
	return nil
}

func (s *pgNotifications) ListRetryable(ctx context.Context, stuckBefore time.Time, maxAttempts, limit int) ([]domain.NotificationRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+` FROM palletsync.notifications
		WHERE attempts < $2
		  AND (state = 'failed' OR (state = 'pending' AND received_at < $1))
		ORDER BY received_at
		LIMIT $3`, stuckBefore, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.NotificationRecord
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ---- delivery queue ----

const queueColumns = `id::text, channel, recipient, subject, body, task_id, status, retry_count,
	max_retries, next_retry_at, sent_at, failure_reason, claimed_at, created_at`

func scanQueueItem(row scanner) (domain.QueueItem, error) {
	var q domain.QueueItem
	var channel, status string
	err := row.Scan(&q.ID, &channel, &q.Recipient, &q.Subject, &q.Body, &q.TaskID, &status,
		&q.RetryCount, &q.MaxRetries, &q.NextRetryAt, &q.SentAt, &q.FailureReason, &q.ClaimedAt, &q.CreatedAt)
	q.Channel = domain.Channel(channel)
	q.Status = domain.QueueStatus(status)
	return q, err
}

type pgQueue struct {
	pool *pgxpool.Pool
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *pgQueue) Insert(ctx context.Context, item domain.QueueItem) error {
	return insertQueueItem(ctx, s.pool, item)
}

func insertQueueItem(ctx context.Context, db execer, item domain.QueueItem) error {
	_, err := db.Exec(ctx, `
		INSERT INTO palletsync.queue_items (id, channel, recipient, subject, body, task_id, status,
			retry_count, max_retries, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		item.ID, string(item.Channel), item.Recipient, item.Subject, item.Body, item.TaskID,
		string(item.Status), item.RetryCount, item.MaxRetries, item.NextRetryAt, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

func (s *pgQueue) Get(ctx context.Context, id string) (domain.QueueItem, error) {
	q, err := scanQueueItem(s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM palletsync.queue_items WHERE id::text = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueItem{}, &domain.NotFoundError{Kind: "queue item", ID: id}
	}
	return q, err
}

func (s *pgQueue) Claim(ctx context.Context, now, staleBefore time.Time, limit int) ([]domain.QueueItem, error) {
	var out []domain.QueueItem
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// A drain that died mid-batch leaves items in sending; hand them back
		if _, err := tx.Exec(ctx, `
			UPDATE palletsync.queue_items SET status = 'pending', claimed_at = NULL
			WHERE status = 'sending' AND claimed_at < $1`, staleBefore); err != nil {
			return fmt.Errorf("release stale claims: %w", err)
		}

		rows, err := tx.Query(ctx, `
			UPDATE palletsync.queue_items q SET status = 'sending', claimed_at = $1
			FROM (
				SELECT id FROM palletsync.queue_items
				WHERE status = 'pending' AND next_retry_at <= $1
				ORDER BY next_retry_at
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			) due
			WHERE q.id = due.id
			RETURNING q.id::text, q.channel, q.recipient, q.subject, q.body, q.task_id, q.status,
				q.retry_count, q.max_retries, q.next_retry_at, q.sent_at, q.failure_reason,
				q.claimed_at, q.created_at`, now, limit)
		if err != nil {
			return fmt.Errorf("claim queue items: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			item, err := scanQueueItem(rows)
			if err != nil {
				return err
			}
			out = append(out, item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgQueue) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, "mark sent", `
		UPDATE palletsync.queue_items SET status = 'sent', sent_at = $2, claimed_at = NULL
		WHERE id::text = $1`, id, at)
}

func (s *pgQueue) MarkRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, reason string) error {
	return s.exec(ctx, "schedule retry", `
		UPDATE palletsync.queue_items
		SET status = 'pending', retry_count = $2, next_retry_at = $3, failure_reason = $4, claimed_at = NULL
		WHERE id::text = $1`, id, retryCount, nextRetryAt, reason)
}

func (s *pgQueue) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.exec(ctx, "mark failed", `
		UPDATE palletsync.queue_items SET status = 'failed', failure_reason = $2, claimed_at = NULL
		WHERE id::text = $1`, id, reason)
}

func (s *pgQueue) exec(ctx context.Context, op, q string, args ...any) error {
	ct, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ct.RowsAffected() == 0 {
		return &domain.NotFoundError{Kind: "queue item", ID: fmt.Sprint(args[0])}
	}
	return nil
}

func (s *pgQueue) Counts(ctx context.Context) (map[domain.QueueStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM palletsync.queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count queue items: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.QueueStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.QueueStatus(status)] = n
	}
	return out, rows.Err()
}

// ---- contacts ----

type pgContacts struct {
	pool *pgxpool.Pool
}

func (s *pgContacts) Lookup(ctx context.Context, username string) (domain.Contact, error) {
	var c domain.Contact
	err := s.pool.QueryRow(ctx, `
		SELECT username, phone, email FROM palletsync.users WHERE lower(username) = lower($1)`,
		username).Scan(&c.Username, &c.Phone, &c.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Contact{}, &domain.NotFoundError{Kind: "user", ID: username}
	}
	return c, err
}

func (s *pgContacts) Save(ctx context.Context, c domain.Contact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO palletsync.users (username, phone, email) VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE SET phone = EXCLUDED.phone, email = EXCLUDED.email`,
		c.Username, c.Phone, c.Email)
	if err != nil {
		return fmt.Errorf("save contact %s: %w", c.Username, err)
	}
	return nil
}
