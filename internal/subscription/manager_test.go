package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/graph"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu        sync.Mutex
	nextID    int
	remote    map[string]graph.RemoteSubscription
	renewErr  map[string]error
	deleteErr error
	calls     []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{remote: map[string]graph.RemoteSubscription{}, renewErr: map[string]error{}}
}

func (f *fakeProvider) CreateSubscription(ctx context.Context, req graph.RemoteSubscription) (graph.RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	req.ID = fmt.Sprintf("sub-%d", f.nextID)
	f.remote[req.ID] = req
	f.calls = append(f.calls, "create "+req.ID)
	return req, nil
}

func (f *fakeProvider) RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (graph.RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "renew "+id)
	if err := f.renewErr[id]; err != nil {
		return graph.RemoteSubscription{}, err
	}
	r, ok := f.remote[id]
	if !ok {
		return graph.RemoteSubscription{}, &domain.NotFoundError{Kind: "subscription", ID: id}
	}
	r.ExpirationDateTime = expiresAt
	f.remote[id] = r
	return r, nil
}

func (f *fakeProvider) DeleteSubscription(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete "+id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.remote, id)
	return nil
}

func (f *fakeProvider) GetSubscription(ctx context.Context, id string) (graph.RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.remote[id]
	if !ok {
		return graph.RemoteSubscription{}, &domain.NotFoundError{Kind: "subscription", ID: id}
	}
	return r, nil
}

type fixture struct {
	provider *fakeProvider
	subs     store.Subscriptions
	mgr      *Manager
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		provider: newFakeProvider(),
		subs:     store.NewMemory().Subscriptions,
		now:      time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
	}
	f.mgr = NewManager(f.provider, f.subs, Options{
		Defaults: Spec{
			Resource:        "/me/drive/root",
			ChangeType:      "updated",
			NotificationURL: "https://sync.example.com/webhooks/graph",
			ClientState:     "s3cret",
		},
		Lifetime:    72 * time.Hour,
		RenewWindow: 24 * time.Hour,
		Now:         func() time.Time { return f.now },
		Logger:      logging.NewWithWriter("test", io.Discard, logging.LevelError),
	})
	return f
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	sub, err := f.mgr.Create(context.Background(), Spec{})
	require.NoError(t, err)
	assert.True(t, sub.Active)
	assert.Equal(t, "/me/drive/root", sub.Resource)
	assert.Equal(t, f.now.Add(72*time.Hour), sub.ExpiresAt)

	stored, err := f.subs.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", stored.ClientState)
}

func TestCreate_RequiresClientState(t *testing.T) {
	f := newFixture(t)
	f.mgr.opts.Defaults.ClientState = ""

	_, err := f.mgr.Create(context.Background(), Spec{})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, f.provider.calls, "nothing is registered upstream")
}

func TestRenew_SuccessResetsErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, _ := f.mgr.Create(ctx, Spec{})

	f.provider.renewErr[sub.ID] = &domain.ProviderError{Op: "renew_subscription", StatusCode: 503}
	_, err := f.mgr.Renew(ctx, sub.ID)
	require.ErrorIs(t, err, domain.ErrProvider)

	failed, _ := f.subs.Get(ctx, sub.ID)
	assert.Equal(t, 1, failed.RenewalAttempts)
	assert.NotEmpty(t, failed.LastError)
	assert.Equal(t, sub.ExpiresAt, failed.ExpiresAt, "stale record is kept as it was")
	assert.True(t, failed.Active)

	delete(f.provider.renewErr, sub.ID)
	f.now = f.now.Add(time.Hour)
	renewed, err := f.mgr.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, renewed.RenewalAttempts)
	assert.Empty(t, renewed.LastError)
	assert.Nil(t, renewed.LastErrorAt)
	assert.True(t, renewed.ExpiresAt.After(sub.ExpiresAt))
}

func TestDelete_IsSoftAndFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, _ := f.mgr.Create(ctx, Spec{})

	require.NoError(t, f.mgr.Delete(ctx, sub.ID))
	stored, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err, "record is retained for audit")
	assert.False(t, stored.Active)

	_, err = f.mgr.Renew(ctx, sub.ID)
	assert.ErrorIs(t, err, domain.ErrValidation, "inactive never reactivates")
}

func TestDelete_UpstreamFailureKeepsActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, _ := f.mgr.Create(ctx, Spec{})

	f.provider.deleteErr = &domain.ProviderError{Op: "delete_subscription", StatusCode: 500}
	require.Error(t, f.mgr.Delete(ctx, sub.ID))
	stored, _ := f.subs.Get(ctx, sub.ID)
	assert.True(t, stored.Active)
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, _ := f.mgr.Create(ctx, Spec{})

	ok, err := f.mgr.Validate(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	delete(f.provider.remote, sub.ID)
	ok, err = f.mgr.Validate(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, _ := f.subs.Get(ctx, sub.ID)
	assert.True(t, stored.Active, "validate never writes")
}

func TestAutoRenew_AdvancesOrRecordsError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		sub, err := f.mgr.Create(ctx, Spec{})
		require.NoError(t, err)
		ids = append(ids, sub.ID)
	}
	// Move into the renewal window
	f.now = f.now.Add(60 * time.Hour)

	f.provider.renewErr[ids[1]] = errors.New("connection reset")
	delete(f.provider.remote, ids[2])

	before := map[string]domain.Subscription{}
	for _, id := range ids {
		before[id], _ = f.subs.Get(ctx, id)
	}

	report, err := f.mgr.AutoRenew(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 2, report.Renewed)
	assert.Equal(t, 1, report.Recreated)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], ids[1])

	for _, id := range ids {
		after, err := f.subs.Get(ctx, id)
		require.NoError(t, err)
		advanced := after.ExpiresAt.After(before[id].ExpiresAt)
		assert.True(t, advanced || after.LastError != "", "subscription %s left silently unchanged", id)
	}

	stale, _ := f.subs.Get(ctx, ids[2])
	assert.False(t, stale.Active)
	active, _ := f.subs.List(ctx, false)
	assert.Len(t, active, 4, "three renewed or failed plus one replacement")
}

func TestAutoRenew_NothingDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.mgr.Create(ctx, Spec{})
	callsBefore := len(f.provider.calls)

	report, err := f.mgr.AutoRenew(ctx)
	require.NoError(t, err)
	assert.Equal(t, RenewReport{}, report)
	assert.Len(t, f.provider.calls, callsBefore)
}
