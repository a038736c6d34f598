package backup

import (
	"context"
	"testing"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/infrastructure/repositories/memory"
	"vigilnet/pkg/backup"
	"vigilnet/pkg/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSnapshotter(t *testing.T, dir string, clk *clock.Fake) (*NodeSnapshotter, *backup.BackupService) {
	t.Helper()
	storage, err := backup.NewFileStorage(dir)
	require.NoError(t, err)
	service := backup.NewBackupService(storage, "1", clk)
	return NewNodeSnapshotter(service, memory.NewMemoryNodeRepository(), 2, clk, zap.NewNop().Sugar()), service
}

func TestNodeSnapshotter_CaptureAndRestore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	source, _ := newSnapshotter(t, dir, clk)
	registered := clk.Now().Add(-time.Hour)
	require.NoError(t, source.nodes.Create(ctx, &domain.Node{
		ID:            "node-1",
		Name:          "edge-1",
		IP:            "10.0.0.5",
		MediaPort:     8554,
		APIKeyHash:    "hash-1",
		Status:        domain.NodeStatusOnline,
		LastHeartbeat: registered,
		RegisteredAt:  registered,
	}))
	require.NoError(t, source.Capture(ctx))

	clk.Advance(time.Minute)
	target, _ := newSnapshotter(t, dir, clk)
	restored, err := target.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	node, err := target.nodes.GetByID(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", node.APIKeyHash)
	assert.Equal(t, 8554, node.MediaPort)
	assert.Equal(t, domain.NodeStatusUnknown, node.Status)
	assert.True(t, node.LastHeartbeat.IsZero())
	assert.Equal(t, clk.Now(), node.RegisteredAt)

	again, err := target.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestNodeSnapshotter_RestoreWithoutSnapshot(t *testing.T) {
	clk := clock.NewFake(time.Now())
	snap, _ := newSnapshotter(t, t.TempDir(), clk)

	restored, err := snap.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, restored)
}

func TestNodeSnapshotter_PrunesToRetention(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	snap, service := newSnapshotter(t, t.TempDir(), clk)

	for i := 0; i < 5; i++ {
		require.NoError(t, snap.Capture(ctx))
		clk.Advance(time.Second)
	}

	names, err := service.ListBackups(ctx, nodesKind)
	require.NoError(t, err)
	assert.Len(t, names, 2)
}
