package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	fymiddleware "github.com/fleetyard/fleetyard/internal/api_server/middleware"
	"github.com/fleetyard/fleetyard/internal/auth"
	"github.com/fleetyard/fleetyard/internal/config"
	"github.com/fleetyard/fleetyard/internal/instrumentation/metrics"
	"github.com/fleetyard/fleetyard/internal/service"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/fleetyard/fleetyard/internal/transport"
	"github.com/fleetyard/fleetyard/pkg/queues"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const (
	gracefulShutdownTimeout = 5 * time.Second

	httpReadTimeout       = 5 * time.Minute
	httpReadHeaderTimeout = 30 * time.Second
	httpWriteTimeout      = 5 * time.Minute
	httpIdleTimeout       = 60 * time.Second

	readinessTimeout = 2 * time.Second
)

type Server struct {
	log            logrus.FieldLogger
	cfg            *config.Config
	store          store.Store
	serviceHandler *service.ServiceHandler
	listener       net.Listener
	queuesProvider queues.Provider
	httpMetrics    *metrics.HTTPMetricsCollector
}

// New returns a new instance of a fleetyard API server.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	serviceHandler *service.ServiceHandler,
	listener net.Listener,
	queuesProvider queues.Provider,
	httpMetrics *metrics.HTTPMetricsCollector,
) *Server {
	return &Server{
		log:            log,
		cfg:            cfg,
		store:          st,
		serviceHandler: serviceHandler,
		listener:       listener,
		queuesProvider: queuesProvider,
		httpMetrics:    httpMetrics,
	}
}

func (s *Server) Run(ctx context.Context) error {
	s.log.Println("Initializing API server")

	router := chi.NewRouter()

	// Request size limits come before logging so oversized requests cannot
	// fill the logs.
	router.Use(
		middleware.RequestSize(s.cfg.Service.MaxRequestSizeBytes),
		fymiddleware.RequestSizeLimiter(s.cfg.Service.MaxURLLength, s.cfg.Service.MaxNumHeaders),
		fymiddleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
	)
	if s.httpMetrics != nil {
		router.Use(s.httpMetrics.Middleware)
	}

	transportHandler := transport.NewTransportHandler(s.serviceHandler, s.log)
	authenticator := auth.NewDeviceAuthenticator(s.store.Device(), s.cfg.Auth.VerifyCacheTTL.D(), s.log)

	// Admin API.
	router.Group(func(r chi.Router) {
		transportHandler.RegisterAdminRoutes(r)
	})

	// Registry webhook intake, rate limited per source IP.
	router.Group(func(r chi.Router) {
		if s.cfg.Service.WebhookRateLimit > 0 {
			fymiddleware.InstallIPRateLimiter(r, fymiddleware.RateLimitOptions{
				Requests:       s.cfg.Service.WebhookRateLimit,
				Window:         s.cfg.Service.WebhookRateWindow.D(),
				Message:        "Rate limit exceeded, please try again later",
				TrustedProxies: s.cfg.Service.TrustedProxies,
			})
		}
		transportHandler.RegisterWebhookRoutes(r)
	})

	// Device API: key auth, a tighter body limit, and per-device rate limiting.
	router.Group(func(r chi.Router) {
		r.Use(middleware.RequestSize(s.cfg.Service.MaxDeviceRequestSizeBytes))
		r.Use(authenticator.Middleware)
		if s.cfg.Service.DeviceRateLimit > 0 {
			r.Use(fymiddleware.DeviceKeyRateLimiter(
				s.cfg.Service.DeviceRateLimit,
				s.cfg.Service.DeviceRateWindow.D(),
				"Rate limit exceeded, please slow down polling",
			))
		}
		transportHandler.RegisterDeviceRoutes(r)
	})

	// Health endpoints bypass auth but keep the global safety middlewares.
	router.Group(func(r chi.Router) {
		r.Method(http.MethodGet, "/readyz", ReadyzHandler(readinessTimeout, s.readinessChecks()...))
		r.Method(http.MethodGet, "/healthz", HealthzHandler())
	})

	srv := &http.Server{
		Addr:              s.cfg.Service.Address,
		Handler:           router,
		ReadTimeout:       httpReadTimeout,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		WriteTimeout:      httpWriteTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	go func() {
		<-ctx.Done()
		s.log.Println("Shutdown signal received:", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		if s.queuesProvider != nil {
			s.queuesProvider.Stop()
			s.queuesProvider.Wait()
		}
	}()

	s.log.Printf("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// readinessChecks covers the database and, when queueing is enabled, Redis.
func (s *Server) readinessChecks() []HealthChecker {
	checks := []HealthChecker{s.store}
	if s.queuesProvider != nil {
		checks = append(checks, s.queuesProvider)
	}
	return checks
}
