package services

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/pkg/clock"
	"vigilnet/pkg/utils"
	"vigilnet/pkg/validation"

	"go.uber.org/zap"
)

const apiKeyBytes = 32

var _ ports.NodeDirectory = (*NodeDirectory)(nil)

type NodeDirectoryConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// NodeRemovedHook runs after a node is deleted, with the last known record.
type NodeRemovedHook func(ctx context.Context, node *domain.Node)

// NodeDirectory tracks registered nodes and derives their liveness from
// heartbeats. All writes go through the repository's atomic Update, so a
// sweep never overwrites a heartbeat that landed after it read the node.
type NodeDirectory struct {
	repo    ports.NodeRepository
	cfg     NodeDirectoryConfig
	clock   clock.Clock
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	hooksMu sync.RWMutex
	hooks   []NodeRemovedHook
}

func NewNodeDirectory(
	repo ports.NodeRepository,
	cfg NodeDirectoryConfig,
	clk clock.Clock,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *NodeDirectory {
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = NewMetricsService()
	}
	return &NodeDirectory{
		repo:    repo,
		cfg:     cfg,
		clock:   clk,
		metrics: metrics,
		logger:  logger,
	}
}

// OnNodeRemoved registers a hook run after Delete.
func (d *NodeDirectory) OnNodeRemoved(hook NodeRemovedHook) {
	d.hooksMu.Lock()
	defer d.hooksMu.Unlock()
	d.hooks = append(d.hooks, hook)
}

// Register creates a node, or re-keys the existing node with the same name
// and ip. Re-registration keeps the node id so bound cameras stay valid,
// invalidates the previous key and resets liveness until the next heartbeat.
func (d *NodeDirectory) Register(ctx context.Context, name, ip string, mediaPort int) (*ports.NodeRegistration, error) {
	name = strings.TrimSpace(name)
	if err := validateRegistration(name, ip, mediaPort); err != nil {
		return nil, err
	}

	apiKey := utils.GenerateSecret(apiKeyBytes)
	keyHash := hashAPIKey(apiKey)
	now := d.clock.Now()

	existing, err := d.repo.FindByNameIP(ctx, name, ip)
	switch {
	case err == nil:
		return d.rekey(ctx, existing.ID, mediaPort, apiKey, keyHash, now)
	case !errors.Is(err, domain.ErrNodeNotFound):
		return nil, fmt.Errorf("failed to look up node: %w", err)
	}

	node := &domain.Node{
		ID:           domain.NodeID(utils.GenerateNodeID()),
		Name:         name,
		IP:           ip,
		MediaPort:    mediaPort,
		APIKeyHash:   keyHash,
		Status:       domain.NodeStatusUnknown,
		RegisteredAt: now,
	}
	if err := d.repo.Create(ctx, node); err != nil {
		if errors.Is(err, domain.ErrNodeExists) {
			// Lost a race with a concurrent registration of the same pair.
			existing, findErr := d.repo.FindByNameIP(ctx, name, ip)
			if findErr != nil {
				return nil, fmt.Errorf("failed to look up node: %w", findErr)
			}
			return d.rekey(ctx, existing.ID, mediaPort, apiKey, keyHash, now)
		}
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	d.logger.Infow("node registered",
		"node_id", node.ID,
		"name", name,
		"ip", ip,
		"media_port", mediaPort,
	)

	return &ports.NodeRegistration{
		NodeID:            node.ID,
		APIKey:            apiKey,
		HeartbeatInterval: d.cfg.HeartbeatInterval,
	}, nil
}

func (d *NodeDirectory) rekey(ctx context.Context, id domain.NodeID, mediaPort int, apiKey, keyHash string, now time.Time) (*ports.NodeRegistration, error) {
	_, err := d.repo.Update(ctx, id, func(n *domain.Node) error {
		n.MediaPort = mediaPort
		n.APIKeyHash = keyHash
		n.Status = domain.NodeStatusUnknown
		n.ReportedStatus = ""
		n.LastHeartbeat = time.Time{}
		n.RegisteredAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to re-register node: %w", err)
	}

	d.logger.Infow("node re-registered, api key rotated",
		"node_id", id,
		"media_port", mediaPort,
	)

	return &ports.NodeRegistration{
		NodeID:            id,
		APIKey:            apiKey,
		HeartbeatInterval: d.cfg.HeartbeatInterval,
	}, nil
}

// Authenticate checks a node's API key against the stored hash.
func (d *NodeDirectory) Authenticate(ctx context.Context, nodeID domain.NodeID, apiKey string) error {
	node, err := d.repo.GetByID(ctx, nodeID)
	if err != nil {
		return err
	}
	presented := hashAPIKey(apiKey)
	if apiKey == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(node.APIKeyHash)) != 1 {
		return domain.ErrUnauthorized
	}
	return nil
}

func (d *NodeDirectory) Heartbeat(ctx context.Context, nodeID domain.NodeID, reported string) (*domain.Node, error) {
	status, err := domain.ParseReportedStatus(reported)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	var previous domain.NodeStatus
	node, err := d.repo.Update(ctx, nodeID, func(n *domain.Node) error {
		previous = n.Status
		n.ApplyHeartbeat(d.clock.Now(), status)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if previous != node.Status {
		d.logger.Infow("node status changed",
			"node_id", nodeID,
			"from", previous,
			"to", node.Status,
			"reported_status", status,
		)
	}
	return node, nil
}

func (d *NodeDirectory) Get(ctx context.Context, nodeID domain.NodeID) (*domain.Node, error) {
	return d.repo.GetByID(ctx, nodeID)
}

func (d *NodeDirectory) List(ctx context.Context) ([]*domain.Node, error) {
	return d.repo.List(ctx)
}

// HealthSweep marks nodes offline whose heartbeat is older than the
// timeout. Staleness is re-checked inside the atomic update so a heartbeat
// that arrives mid-sweep wins. It returns the number of nodes flipped.
func (d *NodeDirectory) HealthSweep(ctx context.Context) (int, error) {
	nodes, err := d.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list nodes: %w", err)
	}

	counts := make(map[domain.NodeStatus]int, 3)
	flipped := 0
	for _, n := range nodes {
		now := d.clock.Now()
		if n.Status == domain.NodeStatusOffline || !n.IsStale(now, d.cfg.HeartbeatTimeout) {
			counts[n.Status]++
			continue
		}

		changed := false
		updated, err := d.repo.Update(ctx, n.ID, func(cur *domain.Node) error {
			changed = cur.MarkOfflineIfStale(d.clock.Now(), d.cfg.HeartbeatTimeout)
			return nil
		})
		if err != nil {
			if errors.Is(err, domain.ErrNodeNotFound) {
				continue
			}
			d.logger.Errorw("health sweep update failed", "node_id", n.ID, "error", err)
			counts[n.Status]++
			continue
		}
		counts[updated.Status]++
		if changed {
			flipped++
			d.logger.Warnw("node marked offline",
				"node_id", n.ID,
				"last_heartbeat", updated.LastHeartbeat,
				"heartbeat_timeout", d.cfg.HeartbeatTimeout,
			)
		}
	}

	d.metrics.SetNodesByStatus(counts)
	return flipped, nil
}

// Delete removes a node and then runs removal hooks, which fail the
// sessions bound to it.
func (d *NodeDirectory) Delete(ctx context.Context, nodeID domain.NodeID) error {
	node, err := d.repo.GetByID(ctx, nodeID)
	if err != nil {
		return err
	}
	if err := d.repo.Delete(ctx, nodeID); err != nil {
		return err
	}

	d.logger.Infow("node deleted", "node_id", nodeID, "name", node.Name)

	d.hooksMu.RLock()
	hooks := append([]NodeRemovedHook(nil), d.hooks...)
	d.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, node)
	}
	return nil
}

func validateRegistration(name, ip string, mediaPort int) error {
	if err := validation.ValidateNodeName(name); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := validation.ValidateIP(ip); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := validation.ValidatePort(mediaPort); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

func hashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
