package backup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/pkg/backup"
	"vigilnet/pkg/clock"

	"go.uber.org/zap"
)

const nodesKind = "nodes"

// nodeEntry is the persisted form of a registration. Only the key hash is
// kept; liveness fields are rebuilt from fresh heartbeats after a restore.
type nodeEntry struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	IP           string    `json:"ip"`
	MediaPort    int       `json:"media_port"`
	APIKeyHash   string    `json:"api_key_hash"`
	RegisteredAt time.Time `json:"registered_at"`
}

// NodeSnapshotter persists the node directory so a single instance running
// on memory repositories keeps its registrations across restarts.
type NodeSnapshotter struct {
	backups *backup.BackupService
	nodes   ports.NodeRepository
	retain  int
	clock   clock.Clock
	logger  *zap.SugaredLogger
}

func NewNodeSnapshotter(
	backups *backup.BackupService,
	nodes ports.NodeRepository,
	retain int,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *NodeSnapshotter {
	if retain < 1 {
		retain = 1
	}
	return &NodeSnapshotter{
		backups: backups,
		nodes:   nodes,
		retain:  retain,
		clock:   clk,
		logger:  logger,
	}
}

// Capture writes one snapshot and prunes old ones.
func (s *NodeSnapshotter) Capture(ctx context.Context) error {
	nodes, err := s.nodes.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	entries := make([]nodeEntry, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, nodeEntry{
			ID:           string(n.ID),
			Name:         n.Name,
			IP:           n.IP,
			MediaPort:    n.MediaPort,
			APIKeyHash:   n.APIKeyHash,
			RegisteredAt: n.RegisteredAt,
		})
	}

	name, err := s.backups.CreateBackup(ctx, nodesKind, entries, map[string]string{
		"node_count": strconv.Itoa(len(entries)),
	})
	if err != nil {
		return err
	}
	s.logger.Debugw("node snapshot written", "backup_name", name, "node_count", len(entries))

	if removed, err := s.backups.Prune(ctx, nodesKind, s.retain); err != nil {
		s.logger.Warnw("failed to prune node snapshots", "error", err)
	} else if removed > 0 {
		s.logger.Debugw("pruned node snapshots", "removed", removed)
	}
	return nil
}

// Restore loads the newest snapshot into the repository. Nodes come back
// with status unknown and a fresh registration time, so each gets a full
// heartbeat timeout to check in. Existing records are left untouched.
func (s *NodeSnapshotter) Restore(ctx context.Context) (int, error) {
	data, err := s.backups.Latest(ctx, nodesKind)
	if errors.Is(err, backup.ErrNoBackup) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var entries []nodeEntry
	if err := data.Decode(&entries); err != nil {
		return 0, fmt.Errorf("failed to decode node snapshot: %w", err)
	}

	now := s.clock.Now()
	restored := 0
	for _, e := range entries {
		if e.ID == "" || e.APIKeyHash == "" {
			continue
		}
		err := s.nodes.Create(ctx, &domain.Node{
			ID:           domain.NodeID(e.ID),
			Name:         e.Name,
			IP:           e.IP,
			MediaPort:    e.MediaPort,
			APIKeyHash:   e.APIKeyHash,
			Status:       domain.NodeStatusUnknown,
			RegisteredAt: now,
		})
		switch {
		case err == nil:
			restored++
		case errors.Is(err, domain.ErrNodeExists):
		default:
			return restored, fmt.Errorf("failed to restore node %s: %w", e.ID, err)
		}
	}

	s.logger.Infow("node directory restored", "snapshot_time", data.Timestamp, "restored", restored, "total", len(entries))
	return restored, nil
}
