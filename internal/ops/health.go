// SPDX-License-Identifier: MIT

// Package ops exposes the operational surface of the daemon: liveness and
// readiness probes, Prometheus metrics and the queue heartbeat.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/embyq/embyq/internal/log"
)

// Status is a component health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's verdict.
type CheckResult struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckerFunc adapts a function into a named Checker.
type CheckerFunc struct {
	CheckerName string
	Fn          func(ctx context.Context) error
}

func (c CheckerFunc) Name() string { return c.CheckerName }

func (c CheckerFunc) Check(ctx context.Context) CheckResult {
	if err := c.Fn(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

type healthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

type readinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// HealthManager aggregates dependency checks for the probe endpoints.
type HealthManager struct {
	version  string
	checkers []Checker
}

// NewHealthManager builds a manager reporting the given version string.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version}
}

// Register adds a dependency checker.
func (m *HealthManager) Register(c Checker) {
	m.checkers = append(m.checkers, c)
}

// ServeHealth is the liveness probe: always 200 while the process runs.
func (m *HealthManager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServeReady is the readiness probe: 503 when any dependency check fails.
func (m *HealthManager) ServeReady(w http.ResponseWriter, r *http.Request) {
	resp := readinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
	}
	if len(m.checkers) > 0 {
		resp.Checks = make(map[string]CheckResult, len(m.checkers))
		for _, c := range m.checkers {
			result := c.Check(r.Context())
			resp.Checks[c.Name()] = result
			if result.Status == StatusUnhealthy {
				resp.Ready = false
				resp.Status = StatusUnhealthy
			}
		}
	}

	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("ops")
		logger.Error().Err(err).Msg("failed to encode probe response")
	}
}
