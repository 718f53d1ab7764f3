// Package subscription keeps Graph change-notification subscriptions alive.
// A subscription moves absent -> active -> (renewed)* -> inactive and never
// comes back from inactive; a fresh Create is needed instead.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/graph"
	"github.com/austindbirch/pallet_sync/internal/keylock"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/metrics"
	"github.com/austindbirch/pallet_sync/internal/store"
	"github.com/austindbirch/pallet_sync/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Provider is the subscription half of the Graph client
type Provider interface {
	CreateSubscription(ctx context.Context, req graph.RemoteSubscription) (graph.RemoteSubscription, error)
	RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (graph.RemoteSubscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	GetSubscription(ctx context.Context, id string) (graph.RemoteSubscription, error)
}

// Spec is what to watch and where to deliver notifications. Blank fields
// fall back to the manager defaults.
type Spec struct {
	Resource        string
	ChangeType      string
	NotificationURL string
	ClientState     string
}

type Options struct {
	Defaults    Spec
	Lifetime    time.Duration // capped at the provider maximum
	RenewWindow time.Duration
	Concurrency int
	Now         func() time.Time
	Logger      *logging.Logger
}

type Manager struct {
	provider Provider
	subs     store.Subscriptions
	locks    *keylock.Map
	opts     Options
}

func NewManager(provider Provider, subs store.Subscriptions, opts Options) *Manager {
	opts.Lifetime = graph.CapLifetime(opts.Lifetime)
	if opts.RenewWindow <= 0 {
		opts.RenewWindow = 24 * time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("palletsync-subscriptions")
	}
	return &Manager{provider: provider, subs: subs, locks: keylock.New(), opts: opts}
}

func (m *Manager) withDefaults(s Spec) Spec {
	if s.Resource == "" {
		s.Resource = m.opts.Defaults.Resource
	}
	if s.ChangeType == "" {
		s.ChangeType = m.opts.Defaults.ChangeType
	}
	if s.NotificationURL == "" {
		s.NotificationURL = m.opts.Defaults.NotificationURL
	}
	if s.ClientState == "" {
		s.ClientState = m.opts.Defaults.ClientState
	}
	return s
}

// Create registers a subscription upstream and persists it as active
func (m *Manager) Create(ctx context.Context, spec Spec) (domain.Subscription, error) {
	ctx, span := tracing.StartSpan(ctx, "subscription.create")
	defer span.End()

	spec = m.withDefaults(spec)
	switch {
	case spec.Resource == "":
		return domain.Subscription{}, &domain.ValidationError{Field: "resource", Reason: "required"}
	case spec.NotificationURL == "":
		return domain.Subscription{}, &domain.ValidationError{Field: "notificationUrl", Reason: "required"}
	case spec.ClientState == "":
		return domain.Subscription{}, &domain.ValidationError{Field: "clientState", Reason: "required"}
	}
	if spec.ChangeType == "" {
		spec.ChangeType = "updated"
	}

	now := m.opts.Now()
	remote, err := m.provider.CreateSubscription(ctx, graph.RemoteSubscription{
		Resource:           spec.Resource,
		ChangeType:         spec.ChangeType,
		NotificationURL:    spec.NotificationURL,
		ExpirationDateTime: now.Add(m.opts.Lifetime),
		ClientState:        spec.ClientState,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return domain.Subscription{}, fmt.Errorf("create subscription: %w", err)
	}

	sub := domain.Subscription{
		ID:              remote.ID,
		Resource:        spec.Resource,
		ChangeType:      spec.ChangeType,
		NotificationURL: spec.NotificationURL,
		ClientState:     spec.ClientState,
		ExpiresAt:       remote.ExpirationDateTime,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if sub.ExpiresAt.IsZero() {
		sub.ExpiresAt = now.Add(m.opts.Lifetime)
	}
	if err := m.subs.Save(ctx, sub); err != nil {
		return domain.Subscription{}, err
	}
	span.SetAttributes(tracing.AttrSubscriptionID.String(sub.ID))
	m.opts.Logger.WithContext(ctx).WithSubscription(sub.ID).
		WithField("expires_at", sub.ExpiresAt).Info("subscription created")
	return sub, nil
}

// Renew pushes the expiry a full lifetime past now. A failed renewal is
// recorded on the stored record, which is otherwise left as it was.
func (m *Manager) Renew(ctx context.Context, id string) (domain.Subscription, error) {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.renewLocked(ctx, id)
}

func (m *Manager) renewLocked(ctx context.Context, id string) (domain.Subscription, error) {
	ctx, span := tracing.StartSpan(ctx, "subscription.renew", tracing.AttrSubscriptionID.String(id))
	defer span.End()

	sub, err := m.subs.Get(ctx, id)
	if err != nil {
		return domain.Subscription{}, err
	}
	if !sub.Active {
		return sub, &domain.ValidationError{Field: "subscription", Reason: "inactive subscriptions cannot be renewed"}
	}

	now := m.opts.Now()
	remote, err := m.provider.RenewSubscription(ctx, id, now.Add(m.opts.Lifetime))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		failedAt := now
		sub.RenewalAttempts++
		sub.LastError = err.Error()
		sub.LastErrorAt = &failedAt
		sub.UpdatedAt = now
		if saveErr := m.subs.Save(ctx, sub); saveErr != nil {
			return sub, errors.Join(err, saveErr)
		}
		metrics.RecordRenewal("failed")
		return sub, fmt.Errorf("renew subscription %s: %w", id, err)
	}

	expires := remote.ExpirationDateTime
	if expires.IsZero() {
		expires = now.Add(m.opts.Lifetime)
	}
	sub.ExpiresAt = expires
	sub.RenewalAttempts = 0
	sub.LastError = ""
	sub.LastErrorAt = nil
	sub.UpdatedAt = now
	if err := m.subs.Save(ctx, sub); err != nil {
		return sub, err
	}
	metrics.RecordRenewal("renewed")
	m.opts.Logger.WithContext(ctx).WithSubscription(id).
		WithField("expires_at", sub.ExpiresAt).Info("subscription renewed")
	return sub, nil
}

// Delete deregisters upstream, then keeps the record as inactive for audit.
// A subscription the provider no longer knows is treated as already deregistered.
func (m *Manager) Delete(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	ctx, span := tracing.StartSpan(ctx, "subscription.delete", tracing.AttrSubscriptionID.String(id))
	defer span.End()

	sub, err := m.subs.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.provider.DeleteSubscription(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return m.deactivate(ctx, sub, "")
}

func (m *Manager) deactivate(ctx context.Context, sub domain.Subscription, reason string) error {
	now := m.opts.Now()
	sub.Active = false
	sub.UpdatedAt = now
	if reason != "" {
		sub.LastError = reason
		sub.LastErrorAt = &now
	}
	if err := m.subs.Save(ctx, sub); err != nil {
		return err
	}
	m.opts.Logger.WithContext(ctx).WithSubscription(sub.ID).WithField("reason", reason).Info("subscription deactivated")
	return nil
}

// Validate reports whether the provider still knows the subscription. It never writes.
func (m *Manager) Validate(ctx context.Context, id string) (bool, error) {
	_, err := m.provider.GetSubscription(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// ListExpiringSoon returns active subscriptions expiring within window of now,
// including ones that already lapsed
func (m *Manager) ListExpiringSoon(ctx context.Context, window time.Duration) ([]domain.Subscription, error) {
	return m.subs.ListExpiring(ctx, m.opts.Now().Add(window))
}

func (m *Manager) List(ctx context.Context, includeInactive bool) ([]domain.Subscription, error) {
	return m.subs.List(ctx, includeInactive)
}

// RenewReport aggregates one AutoRenew run
type RenewReport struct {
	Checked   int      `json:"checked"`
	Renewed   int      `json:"renewed"`
	Recreated int      `json:"recreated"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// AutoRenew renews everything in the renewal window independently. One
// failure never stops the rest. A subscription the provider has forgotten is
// deactivated and replaced by a fresh one with the same parameters.
func (m *Manager) AutoRenew(ctx context.Context) (RenewReport, error) {
	ctx, span := tracing.StartSpan(ctx, "subscription.auto_renew")
	defer span.End()

	due, err := m.ListExpiringSoon(ctx, m.opts.RenewWindow)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return RenewReport{}, err
	}

	var mu sync.Mutex
	report := RenewReport{Checked: len(due)}
	record := func(fn func(r *RenewReport)) {
		mu.Lock()
		fn(&report)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, sub := range due {
		g.Go(func() error {
			recreated, err := m.renewOrRecreate(gctx, sub)
			record(func(r *RenewReport) {
				switch {
				case err != nil:
					r.Failed++
					r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", sub.ID, err))
				case recreated:
					r.Recreated++
				default:
					r.Renewed++
				}
			})
			// Per-item failures are collected, never returned, so siblings keep going
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("checked", report.Checked),
		attribute.Int("renewed", report.Renewed),
		attribute.Int("recreated", report.Recreated),
		attribute.Int("failed", report.Failed),
	)
	m.opts.Logger.WithContext(ctx).WithFields(map[string]any{
		"checked":   report.Checked,
		"renewed":   report.Renewed,
		"recreated": report.Recreated,
		"failed":    report.Failed,
	}).Info("auto renew finished")
	return report, nil
}

func (m *Manager) renewOrRecreate(ctx context.Context, sub domain.Subscription) (bool, error) {
	unlock := m.locks.Lock(sub.ID)
	defer unlock()

	_, err := m.renewLocked(ctx, sub.ID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}

	// The provider dropped it (usually because it lapsed); the record is stale
	current, getErr := m.subs.Get(ctx, sub.ID)
	if getErr != nil {
		return false, getErr
	}
	if err := m.deactivate(ctx, current, "missing upstream: "+strings.TrimSpace(err.Error())); err != nil {
		return false, err
	}
	fresh, err := m.Create(ctx, Spec{
		Resource:        sub.Resource,
		ChangeType:      sub.ChangeType,
		NotificationURL: sub.NotificationURL,
		ClientState:     sub.ClientState,
	})
	if err != nil {
		return false, err
	}
	metrics.RecordRenewal("recreated")
	m.opts.Logger.WithContext(ctx).WithSubscription(fresh.ID).
		WithField("replaces", sub.ID).Warn("subscription recreated after provider lost it")
	return true, nil
}
