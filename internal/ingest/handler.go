// Package ingest is the webhook ingress for table change notifications. It
// acknowledges fast: validate, persist, hand off, return 202. Reconciliation
// happens elsewhere.
package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/metrics"
	"github.com/austindbirch/pallet_sync/internal/store"
	"github.com/austindbirch/pallet_sync/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// maxBodyBytes caps a notification batch
const maxBodyBytes = 1 << 20

type notification struct {
	SubscriptionID string          `json:"subscriptionId"`
	ClientState    string          `json:"clientState"`
	ChangeType     string          `json:"changeType"`
	Resource       string          `json:"resource"`
	ResourceData   json.RawMessage `json:"resourceData,omitempty"`
}

type payload struct {
	Value []json.RawMessage `json:"value"`
}

// Options configures the webhook handler
type Options struct {
	// ClientState is the shared secret every notification must echo; empty disables the check
	ClientState string
	// AckTimeout bounds the persistence step so the provider gets its answer in time
	AckTimeout time.Duration
	Now        func() time.Time
	Logger     *logging.Logger
}

// Handler receives change notifications
type Handler struct {
	records store.Notifications
	handoff Handoff
	schemas schemas
	opts    Options
}

func NewHandler(records store.Notifications, handoff Handoff, opts Options) (*Handler, error) {
	sch, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("ingest")
	}
	return &Handler{records: records, handoff: handoff, schemas: sch, opts: opts}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Subscription handshake: echo the token verbatim, whatever the method
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "ingest.webhook")
	defer span.End()
	log := h.opts.Logger.WithContext(ctx)

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(raw) > maxBodyBytes {
		metrics.RecordNotification("invalid")
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if err := validate(h.schemas.envelope, raw); err != nil {
		metrics.RecordNotification("invalid")
		log.WithError(err).Warn("rejected malformed notification payload")
		http.Error(w, "invalid notification payload", http.StatusBadRequest)
		return
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		metrics.RecordNotification("invalid")
		http.Error(w, "invalid notification payload", http.StatusBadRequest)
		return
	}

	records := h.accept(ctx, h.decodeItems(ctx, p.Value))
	tracing.AddSpanEvent(ctx, "notifications.accepted", attribute.Int("count", len(records)))

	persistCtx, cancel := context.WithTimeout(ctx, h.opts.AckTimeout)
	defer cancel()
	for i, rec := range records {
		if err := h.records.Insert(persistCtx, rec); err != nil {
			tracing.SetSpanError(ctx, err)
			log.WithNotification(rec.ID).WithSubscription(rec.SubscriptionID).WithError(err).Error("persist notification failed")
			status := http.StatusInternalServerError
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusServiceUnavailable
			}
			// The provider redelivers the whole batch; records already written are harmless duplicates
			for range records[i:] {
				metrics.RecordNotification("error")
			}
			http.Error(w, "could not persist notification", status)
			return
		}
		metrics.RecordNotification("accepted")
	}

	for _, rec := range records {
		job := Job{
			NotificationID: rec.ID,
			SubscriptionID: rec.SubscriptionID,
			Attempt:        1,
			PublishedAt:    h.opts.Now().UTC().Format(time.RFC3339),
			TraceHeaders:   tracing.InjectCarrier(ctx),
		}
		if err := h.handoff.Handoff(ctx, job); err != nil {
			// The record stays pending and the reprocess job picks it up
			log.WithNotification(rec.ID).WithError(err).Warn("handoff failed; left for reprocessing")
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// decodeItems validates each notification on its own and drops the malformed
// ones so the rest of the batch still goes through
func (h *Handler) decodeItems(ctx context.Context, items []json.RawMessage) []notification {
	out := make([]notification, 0, len(items))
	for i, raw := range items {
		var n notification
		err := validate(h.schemas.item, raw)
		if err == nil {
			err = json.Unmarshal(raw, &n)
		}
		if err != nil {
			metrics.RecordNotification("invalid")
			h.opts.Logger.WithContext(ctx).WithField("index", i).WithError(err).Warn("dropped malformed notification")
			continue
		}
		out = append(out, n)
	}
	return out
}

// accept drops notifications whose client state does not match and turns
// the rest into pending records
func (h *Handler) accept(ctx context.Context, items []notification) []domain.NotificationRecord {
	now := h.opts.Now().UTC()
	out := make([]domain.NotificationRecord, 0, len(items))
	for _, n := range items {
		if !h.clientStateMatches(n.ClientState) {
			metrics.RecordNotification("dropped")
			h.opts.Logger.WithContext(ctx).WithSubscription(n.SubscriptionID).Warn("dropped notification with mismatched client state")
			continue
		}
		out = append(out, domain.NotificationRecord{
			ID:             uuid.NewString(),
			SubscriptionID: n.SubscriptionID,
			ChangeType:     n.ChangeType,
			Resource:       n.Resource,
			ResourceData:   n.ResourceData,
			State:          domain.ProcessingPending,
			ReceivedAt:     now,
		})
	}
	return out
}

func (h *Handler) clientStateMatches(got string) bool {
	if h.opts.ClientState == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.ClientState)) == 1
}
