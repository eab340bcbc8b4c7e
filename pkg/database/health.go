package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthStatus describes database connectivity for the health endpoint.
type HealthStatus struct {
	Reachable  bool          `json:"reachable"`
	Latency    time.Duration `json:"latency_ns"`
	TotalConns int32         `json:"total_conns"`
	IdleConns  int32         `json:"idle_conns"`
	Error      string        `json:"error,omitempty"`
}

// Health pings the database and reports pool statistics.
func Health(ctx context.Context, pool *pgxpool.Pool) (HealthStatus, error) {
	start := time.Now()
	err := pool.Ping(ctx)
	stats := pool.Stat()

	status := HealthStatus{
		Reachable:  err == nil,
		Latency:    time.Since(start),
		TotalConns: stats.TotalConns(),
		IdleConns:  stats.IdleConns(),
	}
	if err != nil {
		status.Error = err.Error()
		return status, err
	}
	return status, nil
}
