//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestStore starts a disposable PostgreSQL container, runs migrations
// against it, and returns a ready Store plus the Config used to reach it.
func newTestStore(t *testing.T) (*Store, Config) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("streamcore_test"),
		postgres.WithUsername("streamcore"),
		postgres.WithPassword("streamcore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := Config{
		Host:            host,
		Port:            port.Int(),
		User:            "streamcore",
		Password:        "streamcore",
		Database:        "streamcore_test",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	}

	s, err := NewStore(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s, cfg
}

func TestStore_AppendAndRead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	for i := 0; i < 5; i++ {
		offset, err := s.Append(ctx, "wf-1", "events", []byte("event"))
		require.NoError(t, err)
		require.Equal(t, int64(i), offset)
	}

	rows, err := s.Read(ctx, "wf-1", "events", 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i, row := range rows {
		require.Equal(t, int64(i), row.Offset)
	}
}

func TestStore_AppendIsPerStreamIsolated(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	offA, err := s.Append(ctx, "wf-1", "a", []byte("x"))
	require.NoError(t, err)
	require.Equal(t, int64(0), offA)

	offB, err := s.Append(ctx, "wf-1", "b", []byte("y"))
	require.NoError(t, err)
	require.Equal(t, int64(0), offB, "distinct stream_key starts its own offset sequence")

	offA2, err := s.Append(ctx, "wf-1", "a", []byte("x2"))
	require.NoError(t, err)
	require.Equal(t, int64(1), offA2)
}

func TestStore_ReadFromMiddle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, "wf-2", "events", []byte("v"))
		require.NoError(t, err)
	}

	rows, err := s.Read(ctx, "wf-2", "events", 5, 100)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	require.Equal(t, int64(5), rows[0].Offset)
	require.Equal(t, int64(9), rows[len(rows)-1].Offset)
}

func TestStore_HealthReportsHealthy(t *testing.T) {
	s, _ := newTestStore(t)
	health, err := s.Health(t.Context())
	require.NoError(t, err)
	require.Equal(t, "healthy", health.Status)
}
