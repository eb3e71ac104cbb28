package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultPort = 15689
	// cap for /debug/pprof/profile
	cpuCap = 30 * time.Second
	// cap for /debug/pprof/trace
	traceCap = 5 * time.Second
)

const (
	httpGracefulShutdownTimeout = 5 * time.Second
	httpReadHeaderTimeout       = 2 * time.Second
	httpReadTimeout             = 5 * time.Second
	httpIdleTimeout             = 60 * time.Second
)

// Server is a localhost-only HTTP server exposing Go runtime profiling
// endpoints. It binds exclusively to 127.0.0.1.
type Server struct {
	log  logrus.FieldLogger
	port int
}

func NewServer(log logrus.FieldLogger, port int) *Server {
	if port <= 0 {
		port = defaultPort
	}
	return &Server{log: log, port: port}
}

// Run serves /debug/pprof until the context is cancelled.
func (p *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)

	mux.HandleFunc("/debug/pprof/profile", capSeconds(pprof.Profile, cpuCap))
	mux.HandleFunc("/debug/pprof/trace", capSeconds(pprof.Trace, traceCap))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(p.port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		WriteTimeout:      cpuCap + 5*time.Second,
		IdleTimeout:       httpIdleTimeout,
	}

	go func() {
		<-ctx.Done()
		if p.log != nil {
			p.log.WithError(ctx.Err()).Info("pprof: shutdown signal received")
		}
		ctxTimeout, cancel := context.WithTimeout(context.Background(), httpGracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(ctxTimeout); err != nil && p.log != nil {
			p.log.WithError(err).Warn("pprof: server shutdown error")
		}
	}()

	if p.log != nil {
		p.log.Infof("pprof listening on http://%s/debug/pprof/", addr)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// capSeconds bounds the profile duration regardless of what the query asks for.
func capSeconds(h http.HandlerFunc, capDur time.Duration) http.HandlerFunc {
	capS := int(capDur / time.Second)
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if v, err := strconv.Atoi(q.Get("seconds")); err != nil || v <= 0 || v > capS {
			q.Set("seconds", strconv.Itoa(capS))
			r.URL.RawQuery = q.Encode()
		}
		h.ServeHTTP(w, r)
	}
}
