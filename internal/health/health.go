// Package health serves the two HTTP endpoints described in spec §4.9:
// GET /healthz (aggregate liveness/readiness) and GET /metrics (Prometheus
// scrape target, delegated to internal/metrics). Route registration follows
// internal/transport/http/server.go's mux-building idiom.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/edgebot/edgebot/internal/metrics"
)

// Stage is the coarse lifecycle stage of the process.
type Stage string

const (
	StageStarting     Stage = "starting"
	StageHealthy      Stage = "healthy"
	StageDegraded     Stage = "degraded"
	StageShuttingDown Stage = "shutting_down"
)

// serviceState is the internal record kept per named task.
type serviceState struct {
	healthy   bool
	lastError string
	startedAt time.Time
}

// Registry tracks per-component health, keyed by task name, and the
// overall process Stage. The supervisor updates it as tasks start, fail,
// and restart (spec §4.8); listeners and the shipper do not write to it
// themselves.
type Registry struct {
	mu       sync.RWMutex
	stage    Stage
	services map[string]*serviceState

	metrics *metrics.Metrics
}

// NewRegistry returns a Registry starting in StageStarting with no tasks.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		stage:    StageStarting,
		services: make(map[string]*serviceState),
		metrics:  m,
	}
}

// SetStage updates the overall process lifecycle stage.
func (r *Registry) SetStage(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stage = s
}

// SetTaskHealthy records that a named task (listener, shipper, etc.) just
// started or recovered, and mirrors it onto edgebot_component_healthy.
func (r *Registry) SetTaskHealthy(name string, healthy bool) {
	r.mu.Lock()
	svc, ok := r.services[name]
	if !ok {
		svc = &serviceState{startedAt: time.Now()}
		r.services[name] = svc
	}
	svc.healthy = healthy
	if healthy {
		svc.lastError = ""
		svc.startedAt = time.Now()
	}
	r.mu.Unlock()

	if r.metrics != nil {
		v := 0.0
		if healthy {
			v = 1.0
		}
		r.metrics.ComponentHealthy.WithLabelValues(name).Set(v)
	}
}

// SetTaskError marks a task unhealthy with an associated error message,
// used by the supervisor when a task terminates (spec §4.9's
// `last_error`).
func (r *Registry) SetTaskError(name string, errMsg string) {
	r.mu.Lock()
	svc, ok := r.services[name]
	if !ok {
		svc = &serviceState{}
		r.services[name] = svc
	}
	svc.healthy = false
	svc.lastError = errMsg
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ComponentHealthy.WithLabelValues(name).Set(0)
	}
}

// RemoveTask drops a task from the registry, e.g. when the supervisor stops
// it during shutdown. A task the supervisor gives up on stays registered as
// unhealthy.
func (r *Registry) RemoveTask(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, name)
}

// serviceView is the per-task shape returned by GET /healthz (spec §4.9).
type serviceView struct {
	Healthy   bool    `json:"healthy"`
	LastError string  `json:"last_error,omitempty"`
	UptimeSec float64 `json:"uptime_sec,omitempty"`
}

// healthzView is the full document returned by GET /healthz (spec §4.9).
type healthzView struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]serviceView `json:"services"`
}

// snapshot returns the current stage plus a defensive copy of per-task state.
func (r *Registry) snapshot() (Stage, map[string]serviceView) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]serviceView, len(r.services))
	now := time.Now()
	for name, svc := range r.services {
		v := serviceView{Healthy: svc.healthy, LastError: svc.lastError}
		if svc.healthy && !svc.startedAt.IsZero() {
			v.UptimeSec = now.Sub(svc.startedAt).Seconds()
		}
		out[name] = v
	}
	return r.stage, out
}

func anyUnhealthy(services map[string]serviceView) bool {
	for _, svc := range services {
		if !svc.Healthy {
			return true
		}
	}
	return false
}

func allUnhealthy(services map[string]serviceView) bool {
	if len(services) == 0 {
		return false
	}
	for _, svc := range services {
		if svc.Healthy {
			return false
		}
	}
	return true
}

// Handler returns the GET /healthz handler. It writes 200 for
// starting/healthy/degraded and 503 only once the registry considers the
// process fatally degraded — every tracked task unhealthy at once (spec
// §7: "the health endpoint's status reflects aggregate state").
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		stage, services := r.snapshot()

		status := string(stage)
		if stage == StageHealthy && anyUnhealthy(services) {
			status = string(StageDegraded)
		}

		code := http.StatusOK
		if status == string(StageDegraded) && allUnhealthy(services) {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(healthzView{
			Status:    status,
			Timestamp: time.Now().UTC(),
			Services:  services,
		})
	}
}

// Server binds the health and metrics endpoints on a single listener
// (spec §6.4 server.host/server.port).
type Server struct {
	inner *http.Server
}

// NewServer builds a Server serving GET /healthz and GET /metrics.
func NewServer(addr string, reg *Registry, m *metrics.Metrics) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", reg.Handler())
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	return &Server{
		inner: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Handler exposes the composed http.Handler for testing.
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
