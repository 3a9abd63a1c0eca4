// Package health provides health check endpoints for the webhook server.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// ServiceStatus represents the status of a single dependency
type ServiceStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse represents the structured health check response
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Services  map[string]ServiceStatus `json:"services"`
	Jobs      map[string]bool          `json:"jobs,omitempty"`
	Version   string                   `json:"version,omitempty"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Ready     bool   `json:"ready"`
	Timestamp string `json:"timestamp"`
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Alive     bool   `json:"alive"`
	Timestamp string `json:"timestamp"`
}

// Check is one dependency probe. Critical checks gate readiness: the
// database must answer, while a Redis or storage outage only degrades.
type Check struct {
	Name     string
	Ping     func(ctx context.Context) error
	Critical bool
}

// JobChecker reports whether a background job is running
type JobChecker interface {
	IsRunning() bool
}

// Handler handles health check requests
type Handler struct {
	checks  []Check
	jobs    map[string]JobChecker
	version string
	timeout time.Duration
	ready   bool
	mu      sync.RWMutex
}

// Config holds health handler configuration
type Config struct {
	Checks  []Check
	Jobs    map[string]JobChecker
	Version string
	Timeout time.Duration // Default: 5 seconds
}

// NewHandler creates a new health check handler
func NewHandler(cfg Config) *Handler {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Handler{
		checks:  cfg.Checks,
		jobs:    cfg.Jobs,
		version: cfg.Version,
		timeout: timeout,
		ready:   true,
	}
}

// SetReady sets the readiness state of the service. Cleared on shutdown so
// load balancers drain the instance first.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the current readiness state
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Health handles GET /health. Every dependency is probed concurrently.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	services := h.probe(ctx, h.checks)
	overallStatus := "healthy"
	for _, s := range services {
		if s.Status != "up" {
			overallStatus = "degraded"
		}
	}

	var jobs map[string]bool
	if len(h.jobs) > 0 {
		jobs = make(map[string]bool, len(h.jobs))
		for name, job := range h.jobs {
			jobs[name] = job.IsRunning()
		}
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
		Jobs:      jobs,
		Version:   h.version,
	}

	status := http.StatusOK
	if overallStatus != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// Readiness handles GET /health/ready
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ready := h.IsReady()
	if ready {
		var critical []Check
		for _, c := range h.checks {
			if c.Critical {
				critical = append(critical, c)
			}
		}
		for _, s := range h.probe(ctx, critical) {
			if s.Status != "up" {
				ready = false
			}
		}
	}

	response := ReadinessResponse{
		Ready:     ready,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// Liveness handles GET /health/live
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Alive:     true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) probe(ctx context.Context, checks []Check) map[string]ServiceStatus {
	results := make(map[string]ServiceStatus, len(checks))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			status := runCheck(ctx, c)
			mu.Lock()
			results[c.Name] = status
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return results
}

func runCheck(ctx context.Context, c Check) ServiceStatus {
	if c.Ping == nil {
		return ServiceStatus{Status: "down", Error: c.Name + " not configured"}
	}

	start := time.Now()
	err := c.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return ServiceStatus{
			Status:  "down",
			Latency: latency.String(),
			Error:   err.Error(),
		}
	}
	return ServiceStatus{
		Status:  "up",
		Latency: latency.String(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
