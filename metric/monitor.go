package metric

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor serves /metrics and /healthz. Off by default; enabled by the
// --monitor flag.
type Monitor struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewMonitor builds the HTTP monitor on addr.
func NewMonitor(addr string, m *Metrics, healthy func() bool, logger *slog.Logger) *Monitor {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if healthy == nil || healthy() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("terminating\n"))
	})

	return &Monitor{
		srv:    &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start serves in the background until Stop.
func (mon *Monitor) Start() {
	go func() {
		if err := mon.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mon.logger.Error("monitor server failed", "err", err)
		}
	}()
}

// Stop shuts the server down with a short grace period.
func (mon *Monitor) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = mon.srv.Shutdown(ctx)
}
