//go:build integration

package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/codeready-toolchain/streamcore/pkg/store"
	"github.com/codeready-toolchain/streamcore/pkg/stream"
)

// newTestBus starts a disposable PostgreSQL container and wires up a Bus
// backed by a real pool of connected NotificationListeners.
func newTestBus(t *testing.T) *Bus {
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

	storeCfg := store.Config{
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

	st, err := store.NewStore(ctx, storeCfg)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	cfg := stream.DefaultConfig()
	cfg.PoolSize = 1
	pool := stream.NewPool(storeCfg.DSN(), st, cfg)
	require.NoError(t, pool.Start(ctx))

	subscriber := stream.NewSubscriber(pool, st)
	bridge := stream.NewBridge(subscriber, cfg)
	bus := NewBus(bridge, pool)
	t.Cleanup(func() { bus.Close(context.Background()) })

	return bus
}

func TestIntegration_PublishEventThenSubscribeDeliversTypedPayload(t *testing.T) {
	bus := newTestBus(t)
	ctx := t.Context()

	out, err := bus.SubscribeToEvents(ctx, "wf-evt-1", 0, 0, 0)
	require.NoError(t, err)
	defer out.Close()

	require.NoError(t, bus.PublishEvent(ctx, "wf-evt-1", EventTypeNodeStarted, NodeStartedPayload{
		Type:      EventTypeNodeStarted,
		NodeID:    "node-a",
		Timestamp: "2026-01-01T00:00:00Z",
	}))

	select {
	case batch := <-out.C():
		require.Len(t, batch, 1)
		require.Equal(t, EventTypeNodeStarted, batch[0].Type)
		var payload NodeStartedPayload
		require.NoError(t, batch[0].Decode(&payload))
		require.Equal(t, "node-a", payload.NodeID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the published event")
	}
}

func TestIntegration_UnsubscribeThenCloseIsClean(t *testing.T) {
	bus := newTestBus(t)
	ctx := t.Context()

	_, err := bus.SubscribeToEvents(ctx, "wf-evt-2", 0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, bus.Unsubscribe(ctx, "wf-evt-2"))
}
