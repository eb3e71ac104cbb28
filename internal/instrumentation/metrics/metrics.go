package metrics

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
)

const (
	contentTypeHeader     = "Content-Type"
	contentEncodingHeader = "Content-Encoding"
	acceptEncodingHeader  = "Accept-Encoding"
)

const (
	// DefaultListenAddr is used when no WithListenAddr option is given.
	DefaultListenAddr = ":15690"

	httpGracefulShutdownTimeout = 5 * time.Second
	httpReadHeaderTimeout       = 2 * time.Second
	httpReadTimeout             = 5 * time.Second
	httpWriteTimeout            = 10 * time.Second
	httpIdleTimeout             = 60 * time.Second
)

// NamedCollector is a Prometheus collector that also exposes a stable name,
// used when logging which collectors a server registered.
type NamedCollector interface {
	prometheus.Collector
	MetricsName() string
}

type MetricsServer struct {
	log        logrus.FieldLogger
	collectors []prometheus.Collector
}

func NewMetricsServer(log logrus.FieldLogger, collectors ...prometheus.Collector) *MetricsServer {
	registered := make([]prometheus.Collector, 0, len(collectors))
	for i := range collectors {
		if collectors[i] != nil {
			registered = append(registered, collectors[i])
		}
	}

	return &MetricsServer{
		log:        log,
		collectors: registered,
	}
}

type serverOptions struct {
	addr string
	wrap func(http.Handler) http.Handler
}

type ServerOption func(*serverOptions)

// WithListenAddr overrides the listen address, e.g. from config.
func WithListenAddr(addr string) ServerOption {
	return func(o *serverOptions) {
		if addr != "" {
			o.addr = addr
		}
	}
}

// WithHandlerWrapper wraps the /metrics handler with extra middleware.
func WithHandlerWrapper(wrap func(http.Handler) http.Handler) ServerOption {
	return func(o *serverOptions) { o.wrap = wrap }
}

// Run serves /metrics until the context is cancelled.
func (m *MetricsServer) Run(ctx context.Context, opts ...ServerOption) error {
	options := serverOptions{addr: DefaultListenAddr}
	for _, opt := range opts {
		opt(&options)
	}

	var handler http.Handler = NewHandler(m.collectors...)
	if options.wrap != nil {
		handler = options.wrap(handler)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	if m.log != nil {
		names := make([]string, 0, len(m.collectors))
		for _, c := range m.collectors {
			if nc, ok := c.(NamedCollector); ok {
				names = append(names, nc.MetricsName())
			}
		}
		m.log.WithField("collectors", names).Infof("Metrics server listening on %s", options.addr)
	}

	srv := &http.Server{
		Addr:              options.addr,
		Handler:           mux,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		WriteTimeout:      httpWriteTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	go func() {
		<-ctx.Done()
		if m.log != nil {
			m.log.WithError(ctx.Err()).Info("Shutdown signal received")
		}
		ctxTimeout, cancel := context.WithTimeout(context.Background(), httpGracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(ctxTimeout); err != nil && m.log != nil {
			m.log.WithError(err).Warn("Metrics server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// NewHandler returns an HTTP handler that gathers metrics from the provided
// collectors through a per-request registry.
func NewHandler(collectors ...prometheus.Collector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		registry := prometheus.NewRegistry()

		for _, c := range collectors {
			if err := registry.Register(c); err != nil {
				http.Error(w, fmt.Sprintf("failed to register collector: %v", err), http.StatusInternalServerError)
				return
			}
		}

		metrics, err := registry.Gather()
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to gather metrics: %v", err), http.StatusInternalServerError)
			return
		}

		contentType := expfmt.Negotiate(r.Header)
		w.Header().Set(contentTypeHeader, string(contentType))

		var writer io.Writer = w
		if acceptsGzip(r.Header) {
			w.Header().Set(contentEncodingHeader, "gzip")
			gzipWriter := gzip.NewWriter(w)
			defer gzipWriter.Close()
			writer = gzipWriter
		}

		encoder := expfmt.NewEncoder(writer, contentType)
		for _, mf := range metrics {
			if err := encoder.Encode(mf); err != nil {
				http.Error(w, fmt.Sprintf("failed to encode metrics: %v", err), http.StatusInternalServerError)
				return
			}
		}

		if closer, ok := encoder.(expfmt.Closer); ok {
			if err := closer.Close(); err != nil {
				http.Error(w, fmt.Sprintf("failed to flush metrics: %v", err), http.StatusInternalServerError)
			}
		}
	})
}

// acceptsGzip returns true if the request header allows gzip encoding.
func acceptsGzip(header http.Header) bool {
	for _, val := range strings.Split(header.Get(acceptEncodingHeader), ",") {
		if part := strings.TrimSpace(val); part == "gzip" || strings.HasPrefix(part, "gzip;") {
			return true
		}
	}
	return false
}
