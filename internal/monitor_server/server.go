package monitorserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/config"
	"github.com/fleetyard/fleetyard/internal/consts"
	"github.com/fleetyard/fleetyard/internal/events"
	"github.com/fleetyard/fleetyard/internal/instrumentation/metrics"
	"github.com/fleetyard/fleetyard/internal/instrumentation/metrics/domain"
	monitormetrics "github.com/fleetyard/fleetyard/internal/instrumentation/metrics/monitor"
	"github.com/fleetyard/fleetyard/internal/rollout"
	"github.com/fleetyard/fleetyard/internal/service"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/fleetyard/fleetyard/internal/targetstate"
	"github.com/fleetyard/fleetyard/internal/webhook"
	"github.com/fleetyard/fleetyard/pkg/poll"
	"github.com/fleetyard/fleetyard/pkg/queues"
	"github.com/fleetyard/fleetyard/pkg/thread"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// lockName is the advisory lock that keeps rollout reconciliation
	// single-instance across replicas.
	lockName = "rollout-monitor"

	// standby replicas retry the lock at this fixed cadence
	lockRetryDelay = 5 * time.Second
)

type Server struct {
	cfg   *config.Config
	log   logrus.FieldLogger
	store store.Store
	db    *gorm.DB
}

// New returns a new instance of the rollout monitor server.
func New(
	cfg *config.Config,
	log logrus.FieldLogger,
	store store.Store,
	db *gorm.DB,
) *Server {
	return &Server{
		cfg:   cfg,
		log:   log,
		store: store,
		db:    db,
	}
}

func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var queuesProvider queues.Provider
	if s.cfg.Queue != nil && s.cfg.Queue.Enabled {
		var err error
		queuesProvider, err = queues.NewRedisProvider(ctx, s.log, "fleetyard-monitor",
			s.cfg.Queue.Hostname, s.cfg.Queue.Port, s.cfg.Queue.Password, queues.DefaultRetryConfig())
		if err != nil {
			return err
		}
		defer func() {
			queuesProvider.Stop()
			queuesProvider.Wait()
		}()
	}

	// A replica that loses the race stands by and takes over reconciliation
	// when the current holder exits.
	var lock *store.AdvisoryLock
	err := poll.BackoffWithContext(ctx, poll.Config{BaseDelay: lockRetryDelay, Factor: 1.0}, func(ctx context.Context) (bool, error) {
		l, acquired, err := store.TryAcquireLock(ctx, s.db, lockName)
		if err != nil {
			return false, fmt.Errorf("acquiring %q lock: %w", lockName, err)
		}
		if !acquired {
			s.log.Infof("another instance holds the %q lock, standing by", lockName)
			return false, nil
		}
		lock = l
		return true, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.log.Println("Shutdown signal received")
			return nil
		}
		return err
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			s.log.WithError(err).Warn("failed to release advisory lock")
		}
	}()

	publisher := events.NewPublisher(s.store.Event(), "fleetyard-monitor", s.log)
	targetStates := targetstate.NewService(s.store, publisher, s.log)
	evaluator := rollout.NewEvaluator(s.store, publisher, s.cfg.Rollout.HealthCheckConcurrency, s.log)
	coordinator := rollout.NewCoordinator(s.store, targetStates, publisher, s.cfg.Rollout.RollbackConcurrency, s.log)
	monitor := rollout.NewMonitor(s.store, targetStates, evaluator, coordinator, publisher, s.cfg, s.log)

	collector := monitormetrics.NewCollector(ctx, s.log, queuesProvider)

	if queuesProvider != nil {
		if err := s.consumeWebhookQueue(ctx, queuesProvider, targetStates, coordinator, publisher, collector); err != nil {
			return err
		}
	}

	if s.cfg.Prometheus != nil {
		go func() {
			interval := s.cfg.Prometheus.SampleInterval.D()
			metricsServer := metrics.NewMetricsServer(
				s.log,
				collector,
				domain.NewRolloutCollector(ctx, s.store, s.log, interval),
				domain.NewDeviceCollector(ctx, s.store, s.log, interval),
				metrics.NewSystemCollector(ctx, 0),
			)
			if err := metricsServer.Run(ctx, metrics.WithListenAddr(s.cfg.Prometheus.Address)); err != nil {
				s.log.WithError(err).Error("metrics server stopped")
			}
			cancel()
		}()
	}

	interval := s.cfg.Rollout.TickInterval.D()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.log.Printf("Reconciling rollouts every %s", interval)

	tick := func(ctx context.Context) {
		start := time.Now()
		monitor.Tick(ctx)
		monitor.MarkOffline(ctx)
		collector.ObserveTick(time.Since(start))
	}

	monitorThread := thread.New(ctx, s.log.WithField("pkg", "rollout-monitor"), "Rollout Monitor", interval, tick)
	retentionThread := thread.New(ctx, s.log.WithField("pkg", "housekeeping"), "Event Retention", 24*time.Hour, monitor.PruneEvents)
	tick(ctx)
	monitor.PruneEvents(ctx)
	monitorThread.Start()
	retentionThread.Start()

	<-ctx.Done()
	s.log.Println("Shutdown signal received")
	monitorThread.Stop()
	retentionThread.Stop()
	return nil
}

// consumeWebhookQueue starts the consumer draining parsed push events the API
// process enqueued. Planning outcomes short of a server error are final and
// acknowledge the message; server errors leave it pending for redelivery.
func (s *Server) consumeWebhookQueue(
	ctx context.Context,
	provider queues.Provider,
	targetStates *targetstate.Service,
	coordinator *rollout.Coordinator,
	publisher *events.Publisher,
	collector *monitormetrics.Collector,
) error {
	consumer, err := provider.NewConsumer(ctx, consts.WebhookQueue)
	if err != nil {
		return err
	}

	gate := rollout.NewGate(s.store.Image(), publisher, s.cfg.Service.InternalNamespaces, s.log)
	planner := rollout.NewPlanner(s.store, publisher, s.cfg.Rollout.DefaultBatchPercents, s.log)
	handler := service.NewServiceHandler(s.store, targetStates, gate, planner, coordinator, publisher, nil, s.cfg.Auth.BcryptCost, s.log)

	return consumer.Consume(ctx, func(ctx context.Context, payload []byte, entryID string, log logrus.FieldLogger) error {
		var event webhook.PushEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			// malformed payloads would fail every redelivery, drop them
			log.WithError(err).Errorf("dropping malformed push event %s", entryID)
			collector.IncWebhooksProcessed("malformed")
			return nil
		}

		resp, status := handler.PlanPushEvent(ctx, &event)
		if status.Code >= http.StatusInternalServerError {
			collector.IncWebhooksProcessed("failure")
			return fmt.Errorf("planning %s: %s", event.Ref(), status.Message)
		}
		if resp != nil && resp.Result == api.AdmissionAdmit {
			collector.IncWebhooksProcessed("success")
		} else {
			collector.IncWebhooksProcessed("rejected")
		}
		log.Infof("planned push event %s for %s: %s", entryID, event.Ref(), status.Reason)
		return nil
	})
}
