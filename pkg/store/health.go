package store

import (
	"context"
	"time"
)

// HealthStatus represents store connectivity and connection-pool statistics.
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int32  `json:"open_connections"`
	InUse           int32  `json:"in_use"`
	Idle            int32  `json:"idle"`
	MaxOpenConns    int32  `json:"max_open_conns"`
}

// Health checks store connectivity and returns connection-pool statistics.
func (s *Store) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()

	if err := s.pool.Ping(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	stat := s.pool.Stat()

	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start).Milliseconds(),
		OpenConnections: stat.TotalConns(),
		InUse:           stat.AcquiredConns(),
		Idle:            stat.IdleConns(),
		MaxOpenConns:    stat.MaxConns(),
	}, nil
}
