// Package health serves the operator-facing admin HTTP API and the gRPC
// health service.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrijs2005/nostreward/internal/journal"
	"github.com/dmitrijs2005/nostreward/internal/ledger"
	"github.com/dmitrijs2005/nostreward/internal/timex"
)

type StatsSource interface {
	Stats() ledger.Stats
}

// Probe reports how many relays hold a live stream subscription.
type Probe interface {
	Subscribed() int
}

type History interface {
	Recent(ctx context.Context, n int) ([]journal.Record, error)
}

type Status struct {
	Ledger           ledger.Stats `json:"ledger"`
	RelaysSubscribed int          `json:"relaysSubscribed"`
	Uptime           string       `json:"uptime"`
}

// AdminServer exposes /healthz, /status, /history and /metrics.
type AdminServer struct {
	stats   StatsSource
	probe   Probe
	history History
	clock   timex.Clock
	started time.Time
	router  chi.Router
}

// NewAdminServer builds the router. history may be nil, in which case
// /history answers 404.
func NewAdminServer(stats StatsSource, probe Probe, history History, gatherer prometheus.Gatherer, clock timex.Clock) *AdminServer {
	if clock == nil {
		clock = timex.System
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &AdminServer{
		stats:   stats,
		probe:   probe,
		history: history,
		clock:   clock,
		started: clock.Now(),
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/history", s.handleHistory)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.probe != nil && s.probe.Subscribed() == 0 {
		http.Error(w, "no relay subscriptions", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{
		Ledger: s.stats.Stats(),
		Uptime: s.clock.Now().Sub(s.started).Truncate(time.Second).String(),
	}
	if s.probe != nil {
		status.RelaysSubscribed = s.probe.Subscribed()
	}
	writeJSON(w, status)
}

func (s *AdminServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.NotFound(w, r)
		return
	}
	n := 0
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	records, err := s.history.Recent(r.Context(), n)
	if err != nil {
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, records)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs srv until ctx is cancelled and then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
