package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/anstrom/reachscan/internal/logging"
	"github.com/anstrom/reachscan/internal/scanning"
)

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusProvider reports what the scanner is doing.
type StatusProvider interface {
	Status() ScanStatus
}

// Timeout constants.
const (
	healthCheckTimeout = 5 * time.Second
)

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// Build information, set from main.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// SetBuildInfo records the build metadata reported by the status endpoint.
func SetBuildInfo(v, c, bt string) {
	version, commit, buildTime = v, c, bt
}

// ScanStatus is the scanner's state as exposed by the status endpoint.
type ScanStatus struct {
	State           string            `json:"state"`
	PassesCompleted uint64            `json:"passes_completed"`
	PassesFailed    uint64            `json:"passes_failed"`
	Progress        ProgressInfo      `json:"progress"`
	LastPass        *scanning.Summary `json:"last_pass,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	NextPass        *time.Time        `json:"next_pass,omitempty"`
	CacheSize       int               `json:"cache_size"`
}

// ProgressInfo describes the running pass.
type ProgressInfo struct {
	Processed uint64  `json:"processed"`
	Total     uint64  `json:"total"`
	Fraction  float64 `json:"fraction"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// StatusResponse represents the detailed status response.
type StatusResponse struct {
	Service   ServiceInfo `json:"service"`
	Scan      ScanStatus  `json:"scan"`
	Feed      FeedInfo    `json:"feed"`
	Timestamp time.Time   `json:"timestamp"`
}

// ServiceInfo describes the running binary.
type ServiceInfo struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	BuildTime  string `json:"build_time"`
	Uptime     string `json:"uptime"`
	Goroutines int    `json:"goroutines"`
}

// FeedInfo describes the live result feed.
type FeedInfo struct {
	Clients int `json:"clients"`
}

// HealthHandler handles health check and status endpoints.
type HealthHandler struct {
	store     Pinger
	status    StatusProvider
	hub       *Hub
	logger    *logging.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler. store, status and hub may
// be nil.
func NewHealthHandler(store Pinger, status StatusProvider, hub *Hub, logger *logging.Logger) *HealthHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &HealthHandler{
		store:     store,
		status:    status,
		hub:       hub,
		logger:    logger.WithFields("handler", "health"),
		startTime: time.Now(),
	}
}

// Health reports whether the result store answers. It returns 503 when it
// does not.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := StatusHealthy
	checks := map[string]string{}

	if h.store == nil {
		checks["store"] = StatusNotConfigured
	} else if err := h.store.Ping(ctx); err != nil {
		status = StatusUnhealthy
		checks["store"] = fmt.Sprintf("failed: %v", err)
		h.logger.Warn("Health check failed", "check", "store", "error", err)
	} else {
		checks["store"] = "ok"
	}

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    checks,
	})
}

// Status reports the scanner state, the last pass and the feed.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Service: ServiceInfo{
			Name:       "reachscan",
			Version:    version,
			Commit:     commit,
			BuildTime:  buildTime,
			Uptime:     time.Since(h.startTime).Round(time.Second).String(),
			Goroutines: runtime.NumGoroutine(),
		},
		Timestamp: time.Now().UTC(),
	}
	if h.status != nil {
		resp.Scan = h.status.Status()
	} else {
		resp.Scan.State = scanning.StateIdle.String()
	}
	if h.hub != nil {
		resp.Feed.Clients = h.hub.Clients()
	}
	writeJSON(w, r, http.StatusOK, resp)
}
