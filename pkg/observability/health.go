package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker probes the ledger's dependencies. The database is required;
// Redis is a degraded (not unhealthy) state because the cache fails open.
type HealthChecker struct {
	db    *sql.DB
	redis *redis.Client
}

// NewHealthChecker creates a health checker. redis may be nil when the
// service runs without a cache.
func NewHealthChecker(db *sql.DB, redis *redis.Client) *HealthChecker {
	return &HealthChecker{db: db, redis: redis}
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// Liveness is a simple liveness probe: 200 whenever the process serves.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness checks dependencies. A down database is unhealthy (503); a down
// cache only degrades, since every cached read has a store fallback.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.db != nil {
		start := time.Now()
		if err := h.db.PingContext(ctx); err != nil {
			status.Status = StatusUnhealthy
			status.Dependencies["database"] = DependencyStatus{
				Status:    StatusUnhealthy,
				Message:   err.Error(),
				LatencyMS: time.Since(start).Milliseconds(),
			}
		} else {
			status.Dependencies["database"] = DependencyStatus{
				Status:    StatusHealthy,
				LatencyMS: time.Since(start).Milliseconds(),
			}
		}
	}

	if h.redis != nil {
		start := time.Now()
		if err := h.redis.Ping(ctx).Err(); err != nil {
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
			status.Dependencies["redis"] = DependencyStatus{
				Status:    StatusUnhealthy,
				Message:   err.Error(),
				LatencyMS: time.Since(start).Milliseconds(),
			}
		} else {
			status.Dependencies["redis"] = DependencyStatus{
				Status:    StatusHealthy,
				LatencyMS: time.Since(start).Milliseconds(),
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}
