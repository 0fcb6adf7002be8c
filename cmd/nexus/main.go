package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/austindbirch/nexus/internal/api"
	"github.com/austindbirch/nexus/internal/auth"
	"github.com/austindbirch/nexus/internal/bus"
	"github.com/austindbirch/nexus/internal/config"
	"github.com/austindbirch/nexus/internal/discovery"
	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/gateway"
	"github.com/austindbirch/nexus/internal/health"
	"github.com/austindbirch/nexus/internal/logging"
	"github.com/austindbirch/nexus/internal/metrics"
	"github.com/austindbirch/nexus/internal/reactor"
	"github.com/austindbirch/nexus/internal/relay"
	"github.com/austindbirch/nexus/internal/retry"
	"github.com/austindbirch/nexus/internal/signer"
	"github.com/austindbirch/nexus/internal/store"
	"github.com/austindbirch/nexus/internal/store/postgres"
	"github.com/austindbirch/nexus/internal/store/sqlite"
	"github.com/austindbirch/nexus/internal/tracing"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService(cfg.AppName)
	logger := logging.New(cfg.AppName)
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
		logging.SetLevel(lvl)
	} else {
		logger.Plain().Warnf("unknown LOG_LEVEL %q, logging everything", cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("nexus exited")
	}
	logger.Plain().Info("nexus stopped")
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.DB.Driver {
	case "", "sqlite":
		return sqlite.Open(ctx, cfg.SQLitePath())
	case "postgres":
		return postgres.Open(ctx, cfg.DSN())
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.DB.Driver)
	}
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rel, err := relay.New(cfg.Relay)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	defer rel.Close()

	admin, err := auth.FromConfig(ctx, cfg.Admin)
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}
	if admin == nil {
		logger.Plain().Warn("no admin key configured: retry inspection endpoints are open")
	}

	sgn := signer.New(cfg.Secret)
	b := bus.New(st)
	engine := retry.New(st,
		retry.WithConfig(retry.Config{
			Interval:    cfg.Retry.Interval,
			BatchSize:   cfg.Retry.BatchSize,
			MaxRetries:  cfg.Retry.MaxRetries,
			CallTimeout: cfg.Retry.CallTimeout,
		}),
		retry.WithDeadLetterHook(rel.DeadLetter),
	)
	chain := reactor.New(b, engine, discovery.New(cfg.Discovery),
		reactor.WithFactory(cfg.Factory),
		reactor.WithSigner(sgn),
		reactor.WithCallTimeout(cfg.Retry.CallTimeout),
	)
	chain.Register()
	if !cfg.FactoryConfigured() {
		logger.Plain().Warn("FACTORY_API_URL/FACTORY_API_KEY not set: mint requests are dispatched without calling the factory")
	}

	hub := gateway.New(gateway.Config{Secret: cfg.Secret, Heartbeat: cfg.Gateway.Heartbeat})
	b.OnAny("gateway", hub.Broadcast)
	b.OnAny("relay", rel.Forward)

	checker := health.New(st, engine, cfg.ConfiguredVars(), health.WithRelay(rel))

	srv := api.New(api.Deps{
		Bus:     b,
		Retry:   engine,
		Signer:  sgn,
		Admin:   admin,
		Health:  checker,
		Gateway: hub,
		WSPath:  cfg.Gateway.Path,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(grpcSrv, checker.GRPCServer())
	reflection.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}

	engine.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC health server starting")
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		checker.Run(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			logger.Plain().WithError(err).Warn("HTTP shutdown incomplete")
		}
		hub.Close()
		grpcSrv.GracefulStop()
		engine.Stop()
		chain.Wait()
		return nil
	})

	announceStart(ctx, b, cfg, logger)
	return g.Wait()
}

// announceStart dispatches and persists NEXUS:START.
func announceStart(ctx context.Context, b *bus.Bus, cfg config.Config, logger *logging.Logger) {
	payload, _ := json.Marshal(map[string]any{
		"version":   version,
		"store":     cfg.DB.Driver,
		"relay":     cfg.Relay.Driver,
		"startedAt": time.Now().UTC().Format(time.RFC3339),
	})
	if _, _, err := b.Publish(ctx, event.NexusStart, payload, "system"); err != nil {
		logger.Plain().WithError(err).Error("failed to record start event")
	}
}
