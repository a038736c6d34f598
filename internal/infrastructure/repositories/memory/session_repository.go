package memory

import (
	"context"
	"fmt"
	"sync"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions map[domain.SessionID]*domain.LiveSession
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]*domain.LiveSession),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *domain.LiveSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("session already exists: %s", session.ID)
	}

	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.LiveSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (r *MemorySessionRepository) Update(ctx context.Context, id domain.SessionID, fn func(*domain.LiveSession) error) (*domain.LiveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = current.ID

	r.sessions[id] = next
	return next.Clone(), nil
}

func (r *MemorySessionRepository) ListByStatus(ctx context.Context, status domain.SessionStatus) ([]*domain.LiveSession, error) {
	return r.filter(func(s *domain.LiveSession) bool { return s.Status == status }), nil
}

func (r *MemorySessionRepository) ListByNode(ctx context.Context, nodeID domain.NodeID) ([]*domain.LiveSession, error) {
	return r.filter(func(s *domain.LiveSession) bool { return s.NodeID == nodeID }), nil
}

func (r *MemorySessionRepository) filter(keep func(*domain.LiveSession) bool) []*domain.LiveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.LiveSession
	for _, session := range r.sessions {
		if keep(session) {
			out = append(out, session.Clone())
		}
	}
	return out
}
