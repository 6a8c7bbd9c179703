// Package observe exposes read-only HTTP introspection for a mongocore
// Client: status, health/readiness, and Prometheus metrics. Adapted from the
// teacher's internal/api server, trimmed to a single-deployment client (no
// tenant CRUD — there is exactly one resolved member to report on).
package observe

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mongocore/mongocore/internal/metrics"
)

// Client is the subset of *mongocore.Client the server needs. Declared here
// rather than imported to avoid an import cycle (mongocore will want to wire
// this server from cmd/mongoping).
type Client interface {
	IsPrimary() bool
	IsMongos() bool
	NodeAddresses() []string
	PoolStats() (address string, idle, checkedOut, waiting int, ok bool)
	MemberAlive(ctx context.Context) bool
}

// Server is the stats/health/metrics HTTP server for one Client.
type Server struct {
	client     Client
	collector  *metrics.Collector
	logger     *slog.Logger
	httpServer *http.Server
	startTime  time.Time
}

// New builds a Server. collector may be nil to omit /metrics.
func New(client Client, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		client:    client,
		collector: collector,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Start begins serving on addr in the background. Call Stop to shut down.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	if s.collector != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("observe server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("observe server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"is_primary":     s.client.IsPrimary(),
		"is_mongos":      s.client.IsMongos(),
		"nodes":          s.client.NodeAddresses(),
	}
	if addr, idle, checkedOut, waiting, ok := s.client.PoolStats(); ok {
		resp["pool"] = map[string]interface{}{
			"address":     addr,
			"idle":        idle,
			"checked_out": checkedOut,
			"waiting":     waiting,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	_, _, _, _, ok := s.client.PoolStats()
	if ok {
		ok = s.client.MemberAlive(r.Context())
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": boolToStatus(ok)})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if _, _, _, _, ok := s.client.PoolStats(); ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
