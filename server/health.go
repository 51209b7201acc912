package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
	"github.com/withObsrvr/telemetry-arrow-ingest/resilience"
)

// QueueStats reports the storage write queue
type QueueStats interface {
	Depth() int
	Capacity() int
}

// AdminConfig wires the admin HTTP server. Every field but Ingest may be nil.
type AdminConfig struct {
	Ingest        *IngestServer
	Queue         QueueStats
	Breaker       *resilience.CircuitBreaker
	Allocated     func() int64
	Metrics       http.Handler
	StorageDriver string
	Logger        *logging.ComponentLogger
}

// AdminServer serves /health, /ready and /metrics
type AdminServer struct {
	cfg    AdminConfig
	router *mux.Router
	http   *http.Server
}

// HealthStatus is the /health response body
type HealthStatus struct {
	Status          string `json:"status"`
	StorageDriver   string `json:"storage_driver,omitempty"`
	StorageCircuit  string `json:"storage_circuit,omitempty"`
	ActiveSessions  int64  `json:"active_sessions"`
	TotalSessions   int64  `json:"total_sessions"`
	WriteQueueDepth int    `json:"write_queue_depth"`
	WriteQueueCap   int    `json:"write_queue_capacity"`
	MemoryAllocated int64  `json:"memory_allocated"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Timestamp       string `json:"timestamp"`
}

// NewAdminServer creates the admin server without starting it
func NewAdminServer(cfg AdminConfig) *AdminServer {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	a := &AdminServer{cfg: cfg, router: mux.NewRouter()}
	a.http = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	a.router.HandleFunc("/ready", a.handleReady).Methods(http.MethodGet)
	if cfg.Metrics != nil {
		a.router.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}
	return a
}

// Handler returns the admin router
func (a *AdminServer) Handler() http.Handler {
	return a.router
}

// Health collects the current health status
func (a *AdminServer) Health() HealthStatus {
	h := HealthStatus{
		Status:        "healthy",
		StorageDriver: a.cfg.StorageDriver,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	if s := a.cfg.Ingest; s != nil {
		h.ActiveSessions = s.ActiveSessions()
		h.TotalSessions = s.TotalSessions()
		h.UptimeSeconds = int64(s.Uptime().Seconds())
		if s.Draining() {
			h.Status = "draining"
		}
	}
	if q := a.cfg.Queue; q != nil {
		h.WriteQueueDepth = q.Depth()
		h.WriteQueueCap = q.Capacity()
	}
	if a.cfg.Allocated != nil {
		h.MemoryAllocated = a.cfg.Allocated()
	}
	if b := a.cfg.Breaker; b != nil {
		state := b.GetState()
		h.StorageCircuit = state.String()
		if state == resilience.StateOpen && h.Status == "healthy" {
			h.Status = "degraded"
		}
	}
	return h
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := a.Health()

	a.cfg.Logger.Debug().
		Str("operation", "health_check").
		Str("status", health.Status).
		Msg("Health check requested")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

func (a *AdminServer) handleReady(w http.ResponseWriter, r *http.Request) {
	health := a.Health()
	if health.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "not ready: %s", health.Status)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ready")
}

// Serve listens on addr until Shutdown
func (a *AdminServer) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return a.ServeListener(ln)
}

// ServeListener serves on an existing listener until Shutdown
func (a *AdminServer) ServeListener(ln net.Listener) error {
	a.cfg.Logger.Info().
		Str("address", ln.Addr().String()).
		Str("endpoints", "/health,/metrics,/ready").
		Msg("Starting health server")

	if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Shutdown stops the admin server
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.http.Shutdown(ctx)
}
