package memory

import (
	"context"
	"sort"
	"sync"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
)

// MemoryNodeRepository keeps nodes in process. Records are copied on the
// way in and out so callers never share state with the store.
type MemoryNodeRepository struct {
	nodes  map[domain.NodeID]*domain.Node
	byAddr map[string]domain.NodeID
	mu     sync.RWMutex
}

func NewMemoryNodeRepository() ports.NodeRepository {
	return &MemoryNodeRepository{
		nodes:  make(map[domain.NodeID]*domain.Node),
		byAddr: make(map[string]domain.NodeID),
	}
}

func addrKey(name, ip string) string {
	return name + "|" + ip
}

func (r *MemoryNodeRepository) Create(ctx context.Context, node *domain.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addrKey(node.Name, node.IP)
	if _, exists := r.byAddr[key]; exists {
		return domain.ErrNodeExists
	}
	if _, exists := r.nodes[node.ID]; exists {
		return domain.ErrNodeExists
	}

	r.nodes[node.ID] = node.Clone()
	r.byAddr[key] = node.ID
	return nil
}

func (r *MemoryNodeRepository) GetByID(ctx context.Context, id domain.NodeID) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[id]
	if !exists {
		return nil, domain.ErrNodeNotFound
	}
	return node.Clone(), nil
}

func (r *MemoryNodeRepository) FindByNameIP(ctx context.Context, name, ip string) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byAddr[addrKey(name, ip)]
	if !exists {
		return nil, domain.ErrNodeNotFound
	}
	return r.nodes[id].Clone(), nil
}

func (r *MemoryNodeRepository) Update(ctx context.Context, id domain.NodeID, fn func(*domain.Node) error) (*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.nodes[id]
	if !exists {
		return nil, domain.ErrNodeNotFound
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	// Identity fields are immutable.
	next.ID, next.Name, next.IP = current.ID, current.Name, current.IP

	r.nodes[id] = next
	return next.Clone(), nil
}

func (r *MemoryNodeRepository) Delete(ctx context.Context, id domain.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[id]
	if !exists {
		return domain.ErrNodeNotFound
	}

	delete(r.byAddr, addrKey(node.Name, node.IP))
	delete(r.nodes, id)
	return nil
}

func (r *MemoryNodeRepository) List(ctx context.Context) ([]*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*domain.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node.Clone())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}
