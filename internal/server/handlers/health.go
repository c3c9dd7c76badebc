package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/sessiond/internal/errors"
)

const checkTimeout = 5 * time.Second

// HealthChecker reports the health of one dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers for the health endpoints.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]HealthChecker
	started  bool
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version, checkers: make(map[string]HealthChecker), started: true}
}

func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// SetStarted controls the startup check. Managers start out started.
func (m *HealthManager) SetStarted(started bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = started
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for k, v := range m.checkers {
		checkers[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checkers[name].CheckHealth(cctx)
		cancel()
		switch {
		case err == nil:
			results[name] = "healthy"
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = "timeout"
		default:
			results[name] = "unhealthy"
		}
	}
	return results
}

func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, s := range checks {
		switch s {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

func (m *HealthManager) respond(w http.ResponseWriter, r *http.Request, checks map[string]string) {
	status := m.determineOverallStatus(checks)
	if status == "unhealthy" {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("service is unhealthy").
			WithDetails(map[string]any{"checks": checks, "status": status}))
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

// HealthHandler runs every checker.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// LivenessHandler answers as long as the process serves HTTP.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, nil)
}

// ReadinessHandler runs every checker.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("service is starting"))
		return
	}
	m.respond(w, r, nil)
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager replaces the process-wide manager.
func InitHealthManager(version string) *HealthManager {
	m := NewHealthManager(version)
	globalMu.Lock()
	globalHealthManager = m
	globalMu.Unlock()
	return m
}

func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

func withGlobal(fn func(*HealthManager) http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := GetHealthManager()
		if m == nil {
			respondWithError(w, r, apperrors.NewServiceUnavailableError("health manager not initialized"))
			return
		}
		fn(m)(w, r)
	}
}

var (
	HealthHandler    = withGlobal(func(m *HealthManager) http.HandlerFunc { return m.HealthHandler })
	LivenessHandler  = withGlobal(func(m *HealthManager) http.HandlerFunc { return m.LivenessHandler })
	ReadinessHandler = withGlobal(func(m *HealthManager) http.HandlerFunc { return m.ReadinessHandler })
	StartupHandler   = withGlobal(func(m *HealthManager) http.HandlerFunc { return m.StartupHandler })
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
