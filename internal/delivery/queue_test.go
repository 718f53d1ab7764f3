package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/graph"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/reconcile"
	"github.com/austindbirch/pallet_sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, body)
	return nil
}

func newTestQueue(t *testing.T, sender Sender, dlq Publisher) (*Queue, store.Queue, *clock) {
	t.Helper()
	items := store.NewMemory().Queue
	c := &clock{now: time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)}
	q := NewQueue(items, sender, Options{
		MaxRetries:  3,
		BaseBackoff: time.Minute,
		Concurrency: 2,
		DLQ:         dlq,
		Now:         c.Now,
		Logger:      logging.NewWithWriter("test", io.Discard, logging.LevelError),
	})
	return q, items, c
}

func TestEnqueue(t *testing.T) {
	q, items, c := newTestQueue(t, SenderFunc(func(context.Context, domain.QueueItem) error { return nil }), nil)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, domain.QueueItem{Channel: domain.ChannelPush, Recipient: "alice", Body: "hi", RetryCount: 7})
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, domain.QueuePending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, 3, item.MaxRetries)
	assert.Equal(t, c.Now(), item.NextRetryAt)

	stored, err := items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, stored.ID)

	_, err = q.Enqueue(ctx, domain.QueueItem{Channel: "pager", Recipient: "alice", Body: "hi"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = q.Enqueue(ctx, domain.QueueItem{Channel: domain.ChannelSMS, Body: "hi"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDrain_Success(t *testing.T) {
	var sent []string
	var mu sync.Mutex
	q, items, _ := newTestQueue(t, SenderFunc(func(_ context.Context, item domain.QueueItem) error {
		mu.Lock()
		sent = append(sent, item.Recipient)
		mu.Unlock()
		return nil
	}), nil)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, domain.QueueItem{Channel: domain.ChannelPush, Recipient: "alice", Body: "x"})
	_, _ = q.Enqueue(ctx, domain.QueueItem{Channel: domain.ChannelPush, Recipient: "bob", Body: "y"})

	report, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Claimed: 2, Sent: 2}, report)
	assert.ElementsMatch(t, []string{"alice", "bob"}, sent)

	stored, _ := items.Get(ctx, a.ID)
	assert.Equal(t, domain.QueueSent, stored.Status)
	require.NotNil(t, stored.SentAt)

	again, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Claimed, "sent items are never resent")
}

func TestDrain_RetriesThenFails(t *testing.T) {
	pub := &fakePublisher{}
	q, items, c := newTestQueue(t, SenderFunc(func(context.Context, domain.QueueItem) error {
		return errors.New("carrier unavailable")
	}), pub)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, domain.QueueItem{Channel: domain.ChannelSMS, Recipient: "+15550100", Body: "x"})
	require.NoError(t, err)

	var lastNext time.Time
	for want := 1; want <= 3; want++ {
		report, err := q.Drain(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Retried)

		stored, _ := items.Get(ctx, item.ID)
		assert.Equal(t, domain.QueuePending, stored.Status)
		assert.Equal(t, want, stored.RetryCount)
		assert.Equal(t, "carrier unavailable", stored.FailureReason)
		assert.True(t, stored.NextRetryAt.After(lastNext), "nextRetryAt strictly increases")
		lastNext = stored.NextRetryAt

		// Not due yet
		early, _ := q.Drain(ctx, 10)
		assert.Equal(t, 0, early.Claimed)

		c.Advance(stored.NextRetryAt.Sub(c.Now()))
	}

	report, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	stored, _ := items.Get(ctx, item.ID)
	assert.Equal(t, domain.QueueFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Equal(t, ReasonMaxRetries, stored.FailureReason)

	require.Len(t, pub.bodies, 1)
	assert.Equal(t, "queue_dlq", pub.topics[0])
	var dl DeadLetter
	require.NoError(t, json.Unmarshal(pub.bodies[0], &dl))
	assert.Equal(t, item.ID, dl.Item.ID)
	assert.Equal(t, "carrier unavailable", dl.LastError)

	c.Advance(24 * time.Hour)
	final, _ := q.Drain(ctx, 10)
	assert.Equal(t, 0, final.Claimed, "failed is terminal")
}

func TestDrain_OneFailureDoesNotAbortBatch(t *testing.T) {
	q, items, _ := newTestQueue(t, SenderFunc(func(_ context.Context, item domain.QueueItem) error {
		if item.Recipient == "bad" {
			return errors.New("nope")
		}
		return nil
	}), nil)
	ctx := context.Background()

	for _, r := range []string{"a", "bad", "b", "c"} {
		_, err := q.Enqueue(ctx, domain.QueueItem{Channel: domain.ChannelPush, Recipient: r, Body: "x"})
		require.NoError(t, err)
	}

	report, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sent)
	assert.Equal(t, 1, report.Retried)

	counts, _ := items.Counts(ctx)
	assert.Equal(t, 3, counts[domain.QueueSent])
	assert.Equal(t, 1, counts[domain.QueuePending])
}

func TestDrain_BatchSize(t *testing.T) {
	q, _, _ := newTestQueue(t, SenderFunc(func(context.Context, domain.QueueItem) error { return nil }), nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, domain.QueueItem{Channel: domain.ChannelPush, Recipient: "a", Body: "x"})
		require.NoError(t, err)
	}

	first, _ := q.Drain(ctx, 3)
	second, _ := q.Drain(ctx, 3)
	assert.Equal(t, 3, first.Sent)
	assert.Equal(t, 2, second.Sent)
}

func TestDrain_SingleActiveDrain(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	q, _, _ := newTestQueue(t, SenderFunc(func(context.Context, domain.QueueItem) error {
		started <- struct{}{}
		<-release
		return nil
	}), nil)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, domain.QueueItem{Channel: domain.ChannelPush, Recipient: "a", Body: "x"})

	done := make(chan DrainReport)
	go func() {
		r, _ := q.Drain(ctx, 10)
		done <- r
	}()
	<-started

	busy, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	assert.True(t, busy.Busy)

	close(release)
	assert.Equal(t, 1, (<-done).Sent)
}

func TestDispatcher(t *testing.T) {
	var got domain.Channel
	d := Dispatcher{
		domain.ChannelPush: SenderFunc(func(_ context.Context, item domain.QueueItem) error {
			got = item.Channel
			return nil
		}),
	}
	require.NoError(t, d.Send(context.Background(), domain.QueueItem{Channel: domain.ChannelPush}))
	assert.Equal(t, domain.ChannelPush, got)
	assert.Error(t, d.Send(context.Background(), domain.QueueItem{Channel: domain.ChannelEmail}))
}

func TestSMSSender(t *testing.T) {
	var form url.Values
	var user string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", r.URL.Path)
		user, _, _ = r.BasicAuth()
		_ = r.ParseForm()
		form = r.PostForm
		if form.Get("To") == "+1000" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"message":"invalid number"}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := &SMSSender{BaseURL: srv.URL, AccountSID: "AC1", AuthToken: "tok", From: "+15550000"}
	require.NoError(t, s.Send(context.Background(), domain.QueueItem{Recipient: "+15550100", Body: "hello"}))
	assert.Equal(t, "AC1", user)
	assert.Equal(t, "hello", form.Get("Body"))
	assert.Equal(t, "+15550000", form.Get("From"))

	err := s.Send(context.Background(), domain.QueueItem{Recipient: "+1000", Body: "hello"})
	var serr *SendError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusBadRequest, serr.StatusCode)
	assert.Contains(t, serr.Body, "invalid number")

	assert.ErrorIs(t, s.Send(context.Background(), domain.QueueItem{Body: "x"}), ErrNoRecipient)
}

func TestEmailSender(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	s := &EmailSender{
		Addr: "smtp.example.com:587", Username: "u", Password: "p", From: "noreply@example.com",
		sendMail: func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
			assert.NotNil(t, a)
			return nil
		},
	}
	err := s.Send(context.Background(), domain.QueueItem{Recipient: "alice@example.com", Subject: "Pallet T1", Body: "started"})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "noreply@example.com", gotFrom)
	assert.Equal(t, []string{"alice@example.com"}, gotTo)
	assert.True(t, strings.Contains(gotMsg, "Subject: Pallet T1\r\n"))
	assert.True(t, strings.HasSuffix(gotMsg, "started\r\n"))
}

type captureQueue struct {
	items []domain.QueueItem
}

func (c *captureQueue) Prepare(item domain.QueueItem) (domain.QueueItem, error) {
	c.items = append(c.items, item)
	return item, nil
}

type brokenContacts struct{}

func (brokenContacts) Lookup(context.Context, string) (domain.Contact, error) {
	return domain.Contact{}, errors.New("directory offline")
}

func (brokenContacts) Save(context.Context, domain.Contact) error { return nil }

func TestAssignmentNotifier(t *testing.T) {
	ctx := context.Background()
	contacts := store.NewMemory().Contacts
	require.NoError(t, contacts.Save(ctx, domain.Contact{Username: "alice", Phone: "+15550100", Email: "alice@example.com"}))
	require.NoError(t, contacts.Save(ctx, domain.Contact{Username: "bob", Email: "bob@example.com"}))

	cq := &captureQueue{}
	n, err := NewAssignmentNotifier(cq, contacts, []string{"push", "sms", "email"}, logging.NewWithWriter("test", io.Discard, logging.LevelError))
	require.NoError(t, err)

	items, err := n.Compose(ctx, []reconcile.Event{
		{Kind: reconcile.EventAssigned, Task: domain.Task{TaskID: "T1", JobNumber: "J1", AssignedTo: "alice", DueDate: "2026-10-20"}},
		{Kind: reconcile.EventCompleted, Task: domain.Task{TaskID: "T2", AssignedTo: "bob", Status: domain.StatusDone}},
	})
	require.NoError(t, err)
	require.Len(t, items, 5, "bob has no phone so his sms is skipped")
	assert.Equal(t, cq.items, items)

	assert.Equal(t, domain.ChannelPush, items[0].Channel)
	assert.Equal(t, "alice", items[0].Recipient)
	assert.Equal(t, "+15550100", items[1].Recipient)
	assert.Equal(t, "alice@example.com", items[2].Recipient)
	assert.Contains(t, items[0].Body, "Due 2026-10-20")
	assert.Equal(t, "T1", items[0].TaskID)
	assert.Contains(t, items[4].Subject, "done")

	_, err = NewAssignmentNotifier(cq, contacts, []string{"pager"}, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAssignmentNotifier_LookupFailureFailsCompose(t *testing.T) {
	n, err := NewAssignmentNotifier(&captureQueue{}, brokenContacts{}, []string{"push", "email"}, logging.NewWithWriter("test", io.Discard, logging.LevelError))
	require.NoError(t, err)

	_, err = n.Compose(context.Background(), []reconcile.Event{{Kind: reconcile.EventAssigned, Task: domain.Task{TaskID: "T1", AssignedTo: "alice"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory offline")
}

type stubSource struct {
	rows []domain.ExternalRow
}

func (s *stubSource) ListRows(context.Context) ([]domain.ExternalRow, error) { return s.rows, nil }

func TestAssignmentNotifierWithEngine_EndToEnd(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	var sent []domain.QueueItem
	q := NewQueue(st.Queue, SenderFunc(func(_ context.Context, item domain.QueueItem) error {
		sent = append(sent, item)
		return nil
	}), Options{
		Now:    func() time.Time { return time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC) },
		Logger: logging.NewWithWriter("test", io.Discard, logging.LevelError),
	})
	n, err := NewAssignmentNotifier(q, st.Contacts, []string{"push"}, nil)
	require.NoError(t, err)

	src := &stubSource{rows: []domain.ExternalRow{{Index: 0, Values: graph.TaskToValues(domain.Task{TaskID: "T1", AssignedTo: "alice"})}}}
	engine := reconcile.NewEngine(src, st.Tasks, st.Notifications, n, reconcile.Options{
		Logger: logging.NewWithWriter("test", io.Discard, logging.LevelError),
	})
	res, err := engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notified)

	counts, _ := st.Queue.Counts(ctx)
	assert.Equal(t, 1, counts[domain.QueuePending])

	report, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	require.Len(t, sent, 1)
	assert.Equal(t, "alice", sent[0].Recipient)
	assert.Equal(t, "T1", sent[0].TaskID)
}
