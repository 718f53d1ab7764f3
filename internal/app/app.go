// Package app wires the sync service's components from configuration. The
// server, the worker and palletctl all build on it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/pallet_sync/internal/config"
	"github.com/austindbirch/pallet_sync/internal/delivery"
	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/filestore"
	"github.com/austindbirch/pallet_sync/internal/graph"
	"github.com/austindbirch/pallet_sync/internal/health"
	"github.com/austindbirch/pallet_sync/internal/ingest"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/maintenance"
	"github.com/austindbirch/pallet_sync/internal/push"
	"github.com/austindbirch/pallet_sync/internal/reconcile"
	"github.com/austindbirch/pallet_sync/internal/store"
	"github.com/austindbirch/pallet_sync/internal/subscription"
)

type App struct {
	Config        config.Config
	Logger        *logging.Logger
	Store         *store.Store
	Graph         *graph.Client
	Table         *graph.Table
	Subscriptions *subscription.Manager
	Hub           *push.Hub
	Queue         *delivery.Queue
	Engine        *reconcile.Engine
	Runner        *maintenance.Runner
	Files         *filestore.Controller
	// Producer is nil when NSQ is disabled
	Producer *nsq.Producer
}

// New builds every component. Call Close when done.
func New(ctx context.Context, cfg config.Config, logger *logging.Logger) (*App, error) {
	st, err := store.Open(ctx, cfg.StoreBackend, cfg.DSN())
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Store: st}

	if cfg.NSQ.Enabled {
		prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("nsq producer: %w", err)
		}
		a.Producer = prod
	}

	a.Graph = graph.NewClient(graph.Options{
		BaseURL:       cfg.Graph.BaseURL,
		TokenProvider: graph.StaticToken(cfg.Graph.AccessToken),
		MaxRetries:    cfg.Graph.MaxRetries,
		Timeout:       cfg.Graph.Timeout,
	})
	a.Table = graph.NewTable(a.Graph, cfg.Graph.DriveID, cfg.Graph.ItemID, cfg.Graph.Table)
	a.Subscriptions = subscription.NewManager(a.Graph, st.Subscriptions, subscription.Options{
		Defaults: subscription.Spec{
			Resource:        cfg.Subscription.Resource,
			ChangeType:      cfg.Subscription.ChangeType,
			NotificationURL: cfg.Subscription.NotificationURL,
			ClientState:     cfg.Subscription.ClientState,
		},
		Lifetime:    cfg.Subscription.Lifetime,
		RenewWindow: cfg.Subscription.RenewWindow,
		Logger:      logger,
	})

	a.Hub = push.NewHub(logger)
	qopts := delivery.Options{
		MaxRetries:  cfg.Queue.MaxRetries,
		BaseBackoff: cfg.Queue.BaseBackoff,
		ClaimLease:  cfg.Queue.ClaimLease,
		Concurrency: cfg.Queue.Concurrency,
		DLQTopic:    cfg.NSQ.QueueDLQTopic,
		Logger:      logger,
	}
	if a.Producer != nil {
		qopts.DLQ = a.Producer
	}
	a.Queue = delivery.NewQueue(st.Queue, Dispatcher(cfg.Senders, a.Hub), qopts)

	notifier, err := delivery.NewAssignmentNotifier(a.Queue, st.Contacts, cfg.Reconcile.NotifyChannels, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = reconcile.NewEngine(a.Table, st.Tasks, st.Notifications, notifier, reconcile.Options{Logger: logger})
	a.Runner = maintenance.NewRunner(a.Subscriptions, a.Queue, a.Engine, maintenance.Options{
		DrainBatchSize:       cfg.Queue.BatchSize,
		ReprocessStuckAfter:  cfg.Reconcile.StuckAfter,
		ReprocessMaxAttempts: cfg.Reconcile.ReprocessMaxAttempts,
		Logger:               logger,
	})
	a.Files = filestore.NewController(filestore.Options{
		LockRetries:   cfg.File.LockRetries,
		LockBaseDelay: cfg.File.LockBaseDelay,
		TempDir:       cfg.File.TempDir,
		Logger:        logger,
	})
	return a, nil
}

// Dispatcher routes queue items to the configured senders. Push always goes
// through hub; sms and email only when their credentials are set.
func Dispatcher(cfg config.Senders, hub *push.Hub) delivery.Dispatcher {
	d := delivery.Dispatcher{domain.ChannelPush: hub}
	if cfg.SMSAccountSID != "" {
		d[domain.ChannelSMS] = &delivery.SMSSender{
			BaseURL:    cfg.SMSBaseURL,
			AccountSID: cfg.SMSAccountSID,
			AuthToken:  cfg.SMSAuthToken,
			From:       cfg.SMSFrom,
		}
	}
	if cfg.SMTPAddr != "" {
		d[domain.ChannelEmail] = &delivery.EmailSender{
			Addr:     cfg.SMTPAddr,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.SMTPFrom,
		}
	}
	return d
}

// Handoff publishes to the worker over NSQ when a producer exists and
// reconciles in-process otherwise
func (a *App) Handoff() ingest.Handoff {
	if a.Producer != nil {
		return &ingest.NSQHandoff{Producer: a.Producer, Topic: a.Config.NSQ.NotificationsTopic}
	}
	return &ingest.InProcessHandoff{Engine: a.Engine, Logger: a.Logger, Timeout: 2 * time.Minute}
}

// Editor edits the configured pallet workbook
func (a *App) Editor() *filestore.Editor {
	return filestore.NewEditor(a.Files, a.Config.File.Path)
}

// Checks are the dependency checks behind /healthz and the gRPC health service
func (a *App) Checks() []health.Check {
	var checks []health.Check
	if a.Store.Pool != nil {
		checks = append(checks, health.PingCheck("postgres", a.Store.Pool))
	}
	if a.Producer != nil {
		checks = append(checks, health.Check{Name: "nsqd", Fn: func(context.Context) error { return a.Producer.Ping() }})
	}
	return checks
}

func (a *App) Close() {
	if a.Producer != nil {
		a.Producer.Stop()
	}
	a.Store.Close()
}
