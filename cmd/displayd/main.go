package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MatusOllah/slogcolor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/curbsense/displayd/pkg/config"
	"github.com/curbsense/displayd/pkg/dispatch"
	"github.com/curbsense/displayd/pkg/display"
	"github.com/curbsense/displayd/pkg/gateway"
	"github.com/curbsense/displayd/pkg/metrics"
	"github.com/curbsense/displayd/pkg/models"
	"github.com/curbsense/displayd/pkg/queue"
	"github.com/curbsense/displayd/pkg/ratelimit"
	"github.com/curbsense/displayd/pkg/routes"
	"github.com/curbsense/displayd/pkg/store"
	"github.com/curbsense/displayd/pkg/transport"
	"github.com/curbsense/displayd/pkg/verify"
)

const (
	dispatchBatchSize = 64
	sweepBatchSize    = 128
	recomputeInterval = 10 * time.Second
)

// reservationProvider adapts the space state store to the state machine's
// reservation input.
type reservationProvider struct{ spaces store.SpaceStateStore }

func (p reservationProvider) Status(ctx context.Context, spaceID string) (models.ReservationStatus, error) {
	return p.spaces.Reservation(ctx, spaceID)
}

type adminProvider struct{ spaces store.SpaceStateStore }

func (p adminProvider) State(ctx context.Context, spaceID string) (models.AdminState, error) {
	return p.spaces.AdminState(ctx, spaceID)
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	opts := slogcolor.DefaultOptions
	if *debug {
		opts.Level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slogcolor.NewHandler(os.Stderr, opts)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := store.Connect(cfg.PostgresDSN())
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	stores := store.NewStores(db, rdb)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	pipeline := cfg.Pipeline
	queueSvc := queue.NewService(stores, m, pipeline.DeadLetterMaxSize, pipeline.CommandTTL)
	healthMon := gateway.NewHealthMonitor(stores.Gateways, pipeline.GatewayOfflineAfter, pipeline.HealthCacheTTL)
	limiter := ratelimit.New(rdb, pipeline.GatewayRatePerMinute, pipeline.TenantRatePerMinute)

	machine := display.NewMachine(
		stores.Policies,
		reservationProvider{spaces: stores.SpaceState},
		adminProvider{spaces: stores.SpaceState},
		queueSvc,
		pipeline.UnknownHold,
		pipeline.CommandTTL,
	)
	engine := verify.NewEngine(stores, m, pipeline.VerifiedHashTTL)

	mqttSettings := cfg.Mqtt
	if mqttSettings.Embedded {
		if _, err := transport.NewEmbeddedBroker(mqttSettings.EmbeddedAddr); err != nil {
			slog.Error("failed to start embedded broker", "error", err)
			os.Exit(1)
		}
		mqttSettings.Broker = "tcp://127.0.0.1" + mqttSettings.EmbeddedAddr
	}

	client := transport.NewClient(mqttSettings, machine, engine, healthMon, stores.DeviceMap)
	if err := client.Connect(); err != nil {
		slog.Error("failed to connect to mqtt broker", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	dispatcher := dispatch.New(stores.Queue, stores.Affinity, healthMon, limiter, client, m, dispatch.Settings{
		Workers:       pipeline.DispatchWorkers,
		BatchSize:     dispatchBatchSize,
		PollInterval:  pipeline.DispatchInterval,
		VerifyTimeout: pipeline.VerificationTimeout,
		RetryBase:     pipeline.RetryBaseDelay,
		MaxAttempts:   pipeline.MaxAttempts,
	})
	retryMgr := dispatch.NewRetryManager(stores.Queue, m,
		pipeline.RetrySweepInterval, sweepBatchSize,
		pipeline.RetryBaseDelay, pipeline.MaxAttempts, pipeline.DeadLetterMaxSize)
	janitor := dispatch.NewJanitor(stores.Queue, stores.Affinity, healthMon, m,
		pipeline.JanitorInterval, pipeline.JanitorStaleAfter, sweepBatchSize,
		pipeline.JanitorAction, pipeline.DeadLetterMaxSize)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go healthMon.Run(ctx)
	go machine.Run(ctx, recomputeInterval)
	go dispatcher.Run(ctx)
	go retryMgr.Run(ctx)
	go janitor.Run(ctx)

	router := routes.NewWebRouter(queueSvc, healthMon, stores.SpaceState, machine, registry)
	queueSvc.OnChange = router.Notifier.Notify

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router.Handler()}
	go func() {
		slog.Info("operator api listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
}
