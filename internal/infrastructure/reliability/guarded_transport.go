package reliability

import (
	"context"
	"sync"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/pkg/circuitbreaker"
	"vigilnet/pkg/clock"

	"go.uber.org/zap"
)

// GuardedTransport wraps a NodeTransport with one circuit breaker per node,
// so a node that keeps failing stops costing a full command timeout per
// request. Rejections from a reachable node do not count as failures.
type GuardedTransport struct {
	transport ports.NodeTransport
	config    circuitbreaker.Config
	clock     clock.Clock
	logger    *zap.SugaredLogger

	breakers   map[domain.NodeID]*circuitbreaker.CircuitBreaker
	breakersMu sync.RWMutex
}

var _ ports.NodeTransport = (*GuardedTransport)(nil)

func NewGuardedTransport(
	transport ports.NodeTransport,
	config circuitbreaker.Config,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *GuardedTransport {
	return &GuardedTransport{
		transport: transport,
		config:    config,
		clock:     clk,
		logger:    logger,
		breakers:  make(map[domain.NodeID]*circuitbreaker.CircuitBreaker),
	}
}

// breaker gets or creates the breaker for a node.
func (g *GuardedTransport) breaker(nodeID domain.NodeID) *circuitbreaker.CircuitBreaker {
	g.breakersMu.RLock()
	cb, exists := g.breakers[nodeID]
	g.breakersMu.RUnlock()
	if exists {
		return cb
	}

	g.breakersMu.Lock()
	defer g.breakersMu.Unlock()
	if cb, exists := g.breakers[nodeID]; exists {
		return cb
	}

	cb = circuitbreaker.New(g.config, g.clock)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		g.logger.Infow("node circuit breaker state changed",
			"node_id", nodeID,
			"from", from.String(),
			"to", to.String(),
		)
	})
	g.breakers[nodeID] = cb
	return cb
}

func (g *GuardedTransport) Send(ctx context.Context, node *domain.Node, cmd domain.NodeCommand) (domain.NodeResponse, error) {
	return circuitbreaker.Execute(g.breaker(node.ID), func() (domain.NodeResponse, error) {
		return g.transport.Send(ctx, node, cmd)
	})
}

// State reports the breaker state for a node; nodes never contacted are closed.
func (g *GuardedTransport) State(nodeID domain.NodeID) circuitbreaker.State {
	g.breakersMu.RLock()
	cb, exists := g.breakers[nodeID]
	g.breakersMu.RUnlock()
	if !exists {
		return circuitbreaker.StateClosed
	}
	return cb.GetState()
}

// Forget drops a node's breaker, used when the node is deleted or
// re-registers.
func (g *GuardedTransport) Forget(nodeID domain.NodeID) {
	g.breakersMu.Lock()
	delete(g.breakers, nodeID)
	g.breakersMu.Unlock()
}
