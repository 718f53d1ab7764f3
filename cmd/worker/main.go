package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/pallet_sync/internal/app"
	"github.com/austindbirch/pallet_sync/internal/config"
	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/health"
	"github.com/austindbirch/pallet_sync/internal/ingest"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/metrics"
	"github.com/austindbirch/pallet_sync/internal/tracing"
)

const serviceName = "palletsync-worker"

type retryCfg struct {
	maxAttempts int
	backoff     []time.Duration
	jitterPct   float64
}

func readRetryCfg(w config.Worker) retryCfg {
	rc := retryCfg{maxAttempts: w.MaxAttempts, backoff: w.BackoffSchedule, jitterPct: w.JitterPercent}
	if rc.maxAttempts <= 0 {
		rc.maxAttempts = 4
	}
	if len(rc.backoff) == 0 {
		rc.backoff = []time.Duration{5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute}
	}
	return rc
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New(serviceName)

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("wiring failed")
	}
	defer a.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(a.Checks()...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	conf := nsq.NewConfig()
	// Passes serialize on the store lock; more in flight only queues them up
	conf.MaxInFlight = 8
	consumer, err := nsq.NewConsumer(cfg.NSQ.NotificationsTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	go startBacklogMonitor(ctx, cfg.NSQ, logger)

	h := &jobHandler{engine: a.Engine, retry: readRetryCfg(cfg.Worker), logger: logger}
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse()
		d := h.handle(ctx, m.Body, int(m.Attempts))
		if d.requeue {
			m.Requeue(d.delay)
		} else {
			m.Finish()
		}
		return nil
	}))

	// Connecting directly to nsqd creates the channel up front
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}
	logger.Plain().Info("worker service started")

	<-ctx.Done()
	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

// decision is what to do with an NSQ message
type decision struct {
	requeue bool
	delay   time.Duration
}

type jobHandler struct {
	engine ingest.Reconciler
	retry  retryCfg
	logger *logging.Logger
}

// handle runs one reconciliation job. attempt is the 1-based delivery count.
// Once attempts run out the message is finished; the notification record
// stays failed and the reprocess job owns it from there.
func (h *jobHandler) handle(ctx context.Context, body []byte, attempt int) decision {
	var job ingest.Job
	if err := json.Unmarshal(body, &job); err != nil || job.NotificationID == "" {
		h.logger.Plain().WithError(err).Error("bad job payload")
		metrics.RecordReconciliation("webhook", "invalid", 0)
		return decision{}
	}

	ctx = tracing.ExtractCarrier(ctx, job.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.reconcile",
		tracing.AttrNotificationID.String(job.NotificationID),
		tracing.AttrSubscriptionID.String(job.SubscriptionID),
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	res, err := h.engine.HandleNotification(ctx, job.NotificationID)
	log := h.logger.WithContext(ctx).WithNotification(job.NotificationID)
	if err == nil {
		log.WithFields(map[string]any{
			"inserted": res.Inserted,
			"updated":  res.Updated,
			"deleted":  res.Deleted,
			"notified": res.Notified,
		}).Info("reconciled")
		return decision{}
	}

	reason := classifyReason(err)
	span.SetAttributes(attribute.String("failure_reason", reason))
	if errors.Is(err, domain.ErrNotFound) {
		log.WithError(err).Warn("notification record missing; dropping job")
		return decision{}
	}
	if attempt >= h.retry.maxAttempts {
		log.WithError(err).WithField("attempt", attempt).Error("giving up; left for reprocessing")
		return decision{}
	}

	delay := computeDelay(attempt, h.retry.backoff, h.retry.jitterPct)
	metrics.RecordRetry("requeue")
	tracing.AddSpanEvent(ctx, "job.requeue", attribute.Int("attempt", attempt), attribute.String("delay", delay.String()))
	log.WithError(err).WithFields(map[string]any{
		"attempt": attempt,
		"delay":   delay.String(),
		"reason":  reason,
	}).Warn("requeue reconciliation")
	return decision{requeue: true, delay: delay}
}

func computeDelay(attempt int, schedule []time.Duration, jitterPct float64) time.Duration {
	// attempt is 1-based; map to schedule index
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	// jitter: +/- jitterPct
	j := 1 + (rand.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

func classifyReason(err error) string {
	var perr *domain.ProviderError
	switch {
	case errors.As(err, &perr):
		switch {
		case perr.StatusCode == http.StatusTooManyRequests:
			return "provider_throttled"
		case perr.StatusCode >= 500:
			return "provider_5xx"
		case perr.StatusCode >= 400:
			return "provider_4xx"
		}
		return "provider"
	case errors.Is(err, domain.ErrLock):
		return "locked"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") {
		return "timeout"
	}
	if strings.Contains(msg, "connection refused") {
		return "connection_refused"
	}
	return "other"
}

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// recordDepths publishes every channel depth of the watched topics and
// returns the depth of the worker channel
func recordDepths(r io.Reader, cfg config.NSQ) (int64, error) {
	var stats nsqStats
	if err := json.NewDecoder(r).Decode(&stats); err != nil {
		return 0, fmt.Errorf("decode nsq stats: %w", err)
	}
	var backlog int64
	for _, topic := range stats.Topics {
		if topic.Name != cfg.NotificationsTopic && topic.Name != cfg.QueueDLQTopic {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateNSQTopicDepth(topic.Name, ch.Name, ch.Depth)
			if topic.Name == cfg.NotificationsTopic && ch.Name == cfg.WorkerChannel {
				backlog = ch.Depth
			}
		}
	}
	return backlog, nil
}

// startBacklogMonitor polls nsqd stats until ctx ends
func startBacklogMonitor(ctx context.Context, cfg config.NSQ, logger *logging.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	client := &http.Client{Timeout: 5 * time.Second}
	// nsqd serves HTTP one port above TCP
	statsURL := fmt.Sprintf("http://%s/stats?format=json", strings.Replace(cfg.NsqdTCPAddr, ":4150", ":4151", 1))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statsURL, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			logger.Plain().WithError(err).Warn("Failed to get NSQ stats")
			continue
		}
		backlog, err := recordDepths(resp.Body, cfg)
		resp.Body.Close()
		if err != nil {
			logger.Plain().WithError(err).Warn("Failed to decode NSQ stats")
			continue
		}
		metrics.UpdateWorkerBacklog(backlog)
	}
}
