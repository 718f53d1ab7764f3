package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/pallet_sync/internal/api"
	"github.com/austindbirch/pallet_sync/internal/app"
	"github.com/austindbirch/pallet_sync/internal/auth"
	"github.com/austindbirch/pallet_sync/internal/config"
	"github.com/austindbirch/pallet_sync/internal/health"
	"github.com/austindbirch/pallet_sync/internal/ingest"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/maintenance"
	"github.com/austindbirch/pallet_sync/internal/metrics"
	"github.com/austindbirch/pallet_sync/internal/tracing"
)

const (
	serviceName = "palletsync"
	// pushScope admits a token to the push channel; its subject names the user
	pushScope = "push:subscribe"
)

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

	// gRPC health
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go health.Watch(ctx, hs, serviceName, 10*time.Second, a.Checks()...)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	handler, err := buildRouter(cfg, a, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("router setup failed")
	}
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	if cfg.Maintenance.SchedulerEnabled {
		go func() {
			_ = maintenance.NewScheduler(a.Runner, schedule(cfg.Maintenance)).Run(ctx)
		}()
		logger.Plain().Info("maintenance scheduler started")
	}

	<-ctx.Done()
	logger.Plain().Info("shutting down")
	grpcSrv.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("palletsync stopped")
}

func buildRouter(cfg config.Config, a *app.App, logger *logging.Logger) (http.Handler, error) {
	webhook, err := ingest.NewHandler(a.Store.Notifications, a.Handoff(), ingest.Options{
		ClientState: cfg.Subscription.ClientState,
		AckTimeout:  cfg.Reconcile.AckTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	routes := api.Routes{
		Webhook:  webhook,
		Push:     a.Hub,
		Registry: reg,
		Checks:   a.Checks(),
	}
	// Without a signing secret the cron endpoints stay unmounted
	if cfg.Maintenance.TokenSecret != "" {
		validator, err := auth.NewJWTValidator(cfg.Maintenance.TokenSecret, cfg.Maintenance.TokenIssuer, cfg.Maintenance.TokenAudience)
		if err != nil {
			return nil, err
		}
		routes.Cron = maintenance.NewHandler(a.Runner, validator)
		routes.Push = validator.RequireScope(pushScope, a.Hub)
	} else {
		logger.Plain().Warn("CRON_TOKEN_SECRET unset; cron endpoints disabled and push is unauthenticated")
	}
	return api.NewRouter(routes)
}

func schedule(m config.Maintenance) map[string]time.Duration {
	return map[string]time.Duration{
		maintenance.JobRenewSubscriptions:    m.RenewInterval,
		maintenance.JobDrainQueue:            m.DrainInterval,
		maintenance.JobReprocessNotification: m.ReprocessInterval,
	}
}
