// Package api is the thin, read-only health/metrics HTTP surface (a
// supplemented feature, not named by spec.md's core modules): one JSON
// health endpoint reporting the orchestrator's last-cycle status and a
// Prometheus /metrics endpoint. Grounded on the teacher's
// internal/api/server.go (mux.Router + rs/cors + http.Server lifecycle),
// trimmed of its WebSocket/backtest machinery since nothing here needs a
// bidirectional client protocol.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Status is the point-in-time snapshot the health endpoint reports. The
// orchestrator is the sole writer (StatusProvider.Status is called once
// per HTTP request, never concurrently mutated from here).
type Status struct {
	Cycle            uint64    `json:"cycle"`
	OpenPositions    int       `json:"openPositions"`
	KillSwitchActive bool      `json:"killSwitchActive"`
	KillSwitchReason string    `json:"killSwitchReason,omitempty"`
	TotalEquity      string    `json:"totalEquity"`
	Peak             string    `json:"peak"`
	DrawdownFromPeak string    `json:"drawdownFromPeak"`
	LastCycleAt      time.Time `json:"lastCycleAt"`
	PaperTrading     bool      `json:"paperTrading"`
}

// StatusProvider is implemented by the orchestrator.
type StatusProvider interface {
	Status() Status
}

var (
	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpsentinel_cycle_duration_seconds",
		Help:    "run_cycle wall-clock duration",
		Buckets: prometheus.DefBuckets,
	})
	killSwitchTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perpsentinel_kill_switch_trips_total",
		Help: "kill-switch activations by reason",
	}, []string{"reason"})
	openPositionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "perpsentinel_open_positions",
		Help: "currently tracked open positions",
	})
)

func init() {
	prometheus.MustRegister(cycleDuration, killSwitchTrips, openPositionsGauge)
}

// ObserveCycleDuration records one run_cycle's wall-clock time.
func ObserveCycleDuration(d time.Duration) {
	cycleDuration.Observe(d.Seconds())
}

// ObserveKillSwitchTrip increments the trip counter for reason.
func ObserveKillSwitchTrip(reason string) {
	killSwitchTrips.WithLabelValues(reason).Inc()
}

// SetOpenPositions updates the open-positions gauge.
func SetOpenPositions(n int) {
	openPositionsGauge.Set(float64(n))
}

// Server is the health/metrics HTTP surface.
type Server struct {
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	provider   StatusProvider
}

// Config controls the listen address.
type Config struct {
	Host string
	Port int
}

// New constructs a Server bound to provider for its status payload.
func New(logger *zap.Logger, config Config, provider StatusProvider) *Server {
	s := &Server{
		logger:   logger.Named("api"),
		router:   mux.NewRouter(),
		provider: provider,
	}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until the server is stopped. Intended to run
// in its own goroutine from cmd/sentinel.
func (s *Server) Start() error {
	s.logger.Info("starting health/metrics server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.provider.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.KillSwitchActive {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
