package reconcile

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/graph"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu   sync.Mutex
	rows []domain.ExternalRow
	err  error
}

func (s *fakeSource) ListRows(ctx context.Context) ([]domain.ExternalRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.err
}

func (s *fakeSource) set(tasks ...domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = nil
	for i, t := range tasks {
		s.rows = append(s.rows, domain.ExternalRow{Index: i, Values: graph.TaskToValues(t)})
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// Compose yields one push item per event
func (n *recordingNotifier) Compose(ctx context.Context, events []Event) ([]domain.QueueItem, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	n.events = append(n.events, events...)
	items := make([]domain.QueueItem, len(events))
	for i, ev := range events {
		items[i] = domain.QueueItem{
			ID:        uuid.NewString(),
			Channel:   domain.ChannelPush,
			Recipient: ev.Task.AssignedTo,
			Body:      string(ev.Kind) + " " + ev.Task.TaskID,
			TaskID:    ev.Task.TaskID,
			Status:    domain.QueuePending,
		}
	}
	return items, nil
}

func (n *recordingNotifier) fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

type harness struct {
	source   *fakeSource
	notifier *recordingNotifier
	store    *store.Store
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{source: &fakeSource{}, notifier: &recordingNotifier{}, store: store.NewMemory()}
	h.engine = NewEngine(h.source, h.store.Tasks, h.store.Notifications, h.notifier, Options{
		Logger: logging.NewWithWriter("test", io.Discard, logging.LevelError),
	})
	return h
}

func (h *harness) notification(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.store.Notifications.Insert(context.Background(), domain.NotificationRecord{
		ID: id, SubscriptionID: "sub-1", ChangeType: "updated", State: domain.ProcessingPending,
	}))
}

func TestHandleNotification_InsertsAndNotifiesAssignee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.set(domain.Task{TaskID: "T1", Status: domain.StatusNew, AssignedTo: "alice"})
	h.notification(t, "n1")

	res, err := h.engine.HandleNotification(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Notified)

	task, err := h.store.Tasks.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "alice", task.AssignedTo)

	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, EventAssigned, h.notifier.events[0].Kind)
	assert.Equal(t, "alice", h.notifier.events[0].Task.AssignedTo)

	rec, _ := h.store.Notifications.Get(ctx, "n1")
	assert.Equal(t, domain.ProcessingProcessed, rec.State)
	assert.NotNil(t, rec.ProcessedAt)
}

func TestReconcile_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.set(
		domain.Task{TaskID: "T1", JobNumber: "J1", Status: domain.StatusNew, AssignedTo: "alice", Accessories: []string{"rail"}},
		domain.Task{TaskID: "T2", JobNumber: "J1", Status: domain.StatusDone, DueDate: "2026-10-01"},
	)

	first, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)

	second, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, second.Changed(), "unchanged snapshot stages nothing")
	assert.Len(t, h.notifier.events, 1)
}

func TestReconcile_SoftDeletesMissingWithoutNotifying(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.set(
		domain.Task{TaskID: "T1", Status: domain.StatusInProgress, AssignedTo: "alice"},
		domain.Task{TaskID: "T2", Status: domain.StatusNew},
	)
	_, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	h.notifier.events = nil

	h.source.set(domain.Task{TaskID: "T2", Status: domain.StatusNew})
	res, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Empty(t, h.notifier.events)

	_, err = h.store.Tasks.Get(ctx, "T1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReconcile_StatusTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.set(
		domain.Task{TaskID: "T1", Status: domain.StatusNew, AssignedTo: "bob"},
		domain.Task{TaskID: "T2", Status: domain.StatusNew},
	)
	_, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	h.notifier.events = nil

	h.source.set(
		domain.Task{TaskID: "T1", Status: domain.StatusInProgress, AssignedTo: "bob", Notes: "started"},
		domain.Task{TaskID: "T2", Status: domain.StatusDone},
	)
	res, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	require.Len(t, h.notifier.events, 1, "unassigned tasks notify nobody")
	assert.Equal(t, EventStarted, h.notifier.events[0].Kind)
	assert.Equal(t, "T1", h.notifier.events[0].Task.TaskID)

	task, _ := h.store.Tasks.Get(ctx, "T1")
	assert.Equal(t, "started", task.Notes)
}

func TestReconcile_SkipsMalformedRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.set(domain.Task{TaskID: "T1", Status: domain.StatusNew})
	_, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)

	bad := graph.TaskToValues(domain.Task{TaskID: "T1"})
	bad[graph.ColStatus] = "Lost"
	h.source.rows = []domain.ExternalRow{
		{Index: 0, Values: []string{"   "}},
		{Index: 1, Values: bad},
		{Index: 2, Values: graph.TaskToValues(domain.Task{TaskID: "T3"})},
	}

	res, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 0, res.Deleted, "a present but unreadable row keeps its task")

	_, err = h.store.Tasks.Get(ctx, "T1")
	assert.NoError(t, err)
}

func TestHandleNotification_RecordsFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.err = &domain.ProviderError{Op: "list_rows", StatusCode: 503, Message: "unavailable"}
	h.notification(t, "n1")

	_, err := h.engine.HandleNotification(ctx, "n1")
	require.ErrorIs(t, err, domain.ErrProvider)

	rec, _ := h.store.Notifications.Get(ctx, "n1")
	assert.Equal(t, domain.ProcessingFailed, rec.State)
	assert.Contains(t, rec.Error, "unavailable")
	assert.Equal(t, 1, rec.Attempts)
}

func TestHandleNotification_NotifierFailureRollsBackAndRecovers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.set(domain.Task{TaskID: "T1", AssignedTo: "alice"})
	h.notifier.fail(errors.New("contacts unavailable"))
	h.notification(t, "n1")

	_, err := h.engine.HandleNotification(ctx, "n1")
	require.Error(t, err)

	rec, _ := h.store.Notifications.Get(ctx, "n1")
	assert.Equal(t, domain.ProcessingFailed, rec.State)
	_, err = h.store.Tasks.Get(ctx, "T1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "the insert rolls back with the notification")
	counts, err := h.store.Queue.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[domain.QueuePending])

	h.notifier.fail(nil)
	res, err := h.engine.Reprocess(ctx, time.Hour, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Notified)
	assert.Equal(t, []string{"n1"}, res.NotificationIDs)

	_, err = h.store.Tasks.Get(ctx, "T1")
	assert.NoError(t, err)
	counts, err = h.store.Queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.QueuePending])
	rec, _ = h.store.Notifications.Get(ctx, "n1")
	assert.Equal(t, domain.ProcessingProcessed, rec.State)
}

func TestReconcile_StagesQueueItemsWithTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.set(
		domain.Task{TaskID: "T1", AssignedTo: "alice"},
		domain.Task{TaskID: "T2", AssignedTo: "bob"},
	)

	res, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Notified)

	counts, err := h.store.Queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.QueuePending])

	// A second pass with no changes stages nothing new
	res, err = h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Notified)
	counts, _ = h.store.Queue.Counts(ctx)
	assert.Equal(t, 2, counts[domain.QueuePending])
}

func TestHandleNotification_AlreadyProcessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.notification(t, "n1")
	require.NoError(t, h.store.Notifications.MarkProcessed(ctx, []string{"n1"}, time.Now()))
	h.source.err = errors.New("must not be called")

	_, err := h.engine.HandleNotification(ctx, "n1")
	assert.NoError(t, err)
}

func TestReprocess_MarksAllTogether(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.set(domain.Task{TaskID: "T1"})
	h.notification(t, "n1")
	h.notification(t, "n2")
	require.NoError(t, h.store.Notifications.MarkFailed(ctx, []string{"n1", "n2"}, "boom"))

	res, err := h.engine.Reprocess(ctx, time.Minute, 5, 100)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"n1", "n2"}, res.NotificationIDs)
	assert.Equal(t, 1, res.Inserted, "one pass covers every record")

	for _, id := range []string{"n1", "n2"} {
		rec, _ := h.store.Notifications.Get(ctx, id)
		assert.Equal(t, domain.ProcessingProcessed, rec.State)
		assert.Empty(t, rec.Error)
	}

	again, err := h.engine.Reprocess(ctx, time.Minute, 5, 100)
	require.NoError(t, err)
	assert.Empty(t, again.NotificationIDs)
}

func TestRun_RecordsSyntheticNotification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.Run(ctx)
	require.NoError(t, err)
	require.Len(t, res.NotificationIDs, 1)

	rec, err := h.store.Notifications.Get(ctx, res.NotificationIDs[0])
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, rec.SubscriptionID)
	assert.Equal(t, domain.ProcessingProcessed, rec.State)
}

func TestDiff_DuplicateIDsFirstWins(t *testing.T) {
	rows := []domain.ExternalRow{
		{Index: 0, Values: graph.TaskToValues(domain.Task{TaskID: "T1", Notes: "first"})},
		{Index: 1, Values: graph.TaskToValues(domain.Task{TaskID: "T1", Notes: "second"})},
	}
	plan := Diff(rows, nil)
	require.Len(t, plan.Inserts, 1)
	assert.Equal(t, "first", plan.Inserts[0].Notes)
	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, "T1", plan.Skipped[0].TaskID)
}

func TestConcurrentPassesConverge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.set(domain.Task{TaskID: "T1", AssignedTo: "alice"}, domain.Task{TaskID: "T2"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Reconcile(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	live, err := h.store.Tasks.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 2)
	assert.Len(t, h.notifier.events, 1, "only the pass that inserted notifies")
}
