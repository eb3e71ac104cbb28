package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	apiserver "github.com/fleetyard/fleetyard/internal/api_server"
	"github.com/fleetyard/fleetyard/internal/api_server/middleware"
	"github.com/fleetyard/fleetyard/internal/config"
	"github.com/fleetyard/fleetyard/internal/consts"
	"github.com/fleetyard/fleetyard/internal/events"
	"github.com/fleetyard/fleetyard/internal/instrumentation/metrics"
	"github.com/fleetyard/fleetyard/internal/instrumentation/metrics/domain"
	"github.com/fleetyard/fleetyard/internal/instrumentation/pprof"
	"github.com/fleetyard/fleetyard/internal/rollout"
	"github.com/fleetyard/fleetyard/internal/service"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/fleetyard/fleetyard/internal/targetstate"
	"github.com/fleetyard/fleetyard/pkg/log"
	"github.com/fleetyard/fleetyard/pkg/queues"
	"github.com/sirupsen/logrus"
)

func main() {
	log := log.InitLogs()
	log.Println("Starting API service")
	defer log.Println("API service stopped")

	cfg, err := config.LoadOrGenerate(config.ConfigFile())
	if err != nil {
		log.Fatalf("reading configuration: %v", err)
	}
	log.Printf("Using config: %s", cfg)

	logLvl, err := logrus.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		logLvl = logrus.InfoLevel
	}
	log.SetLevel(logLvl)

	log.Println("Initializing data store")
	db, err := store.InitDB(cfg, log)
	if err != nil {
		log.Fatalf("initializing data store: %v", err)
	}

	st := store.NewStore(db, log.WithField("pkg", "store"))
	defer st.Close()

	if err := st.InitialMigration(); err != nil {
		log.Fatalf("running initial migration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	var queuesProvider queues.Provider
	var queuePub queues.Publisher
	if cfg.Queue != nil && cfg.Queue.Enabled {
		queuesProvider, err = queues.NewRedisProvider(ctx, log, "fleetyard-api",
			cfg.Queue.Hostname, cfg.Queue.Port, cfg.Queue.Password, queues.DefaultRetryConfig())
		if err != nil {
			log.Fatalf("connecting to queue: %v", err)
		}
		queuePub, err = queuesProvider.NewPublisher(ctx, consts.WebhookQueue)
		if err != nil {
			log.Fatalf("creating webhook publisher: %v", err)
		}
	}

	publisher := events.NewPublisher(st.Event(), "fleetyard-api", log)
	targetStates := targetstate.NewService(st, publisher, log)
	gate := rollout.NewGate(st.Image(), publisher, cfg.Service.InternalNamespaces, log)
	planner := rollout.NewPlanner(st, publisher, cfg.Rollout.DefaultBatchPercents, log)
	coordinator := rollout.NewCoordinator(st, targetStates, publisher, cfg.Rollout.RollbackConcurrency, log)
	serviceHandler := service.NewServiceHandler(st, targetStates, gate, planner, coordinator, publisher, queuePub, cfg.Auth.BcryptCost, log)

	httpMetrics := metrics.NewHTTPMetricsCollector("fleetyard-api")

	go func() {
		listener, err := middleware.NewHTTPListener(cfg.Service.Address)
		if err != nil {
			log.Fatalf("creating listener: %s", err)
		}

		server := apiserver.New(log, cfg, st, serviceHandler, listener, queuesProvider, httpMetrics)
		if err := server.Run(ctx); err != nil {
			log.Fatalf("Error running server: %s", err)
		}
		cancel()
	}()

	if cfg.Prometheus != nil {
		go func() {
			interval := cfg.Prometheus.SampleInterval.D()
			metricsServer := metrics.NewMetricsServer(
				log,
				httpMetrics,
				domain.NewRolloutCollector(ctx, st, log, interval),
				domain.NewDeviceCollector(ctx, st, log, interval),
				metrics.NewSystemCollector(ctx, 0),
			)
			if err := metricsServer.Run(ctx, metrics.WithListenAddr(cfg.Prometheus.Address)); err != nil {
				log.Fatalf("Error running metrics server: %s", err)
			}
			cancel()
		}()
	}

	if cfg.Service.ProfilingEnabled {
		go func() {
			if err := pprof.NewServer(log, 0).Run(ctx); err != nil {
				log.Errorf("Error running pprof server: %s", err)
			}
		}()
	}

	<-ctx.Done()
}
