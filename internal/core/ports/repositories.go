package ports

import (
	"context"

	"vigilnet/internal/core/domain"
)

// NodeRepository stores registered nodes. Update is an atomic
// read-modify-write: fn sees the current record and its changes are saved
// only if no concurrent writer intervened.
type NodeRepository interface {
	Create(ctx context.Context, node *domain.Node) error
	GetByID(ctx context.Context, id domain.NodeID) (*domain.Node, error)
	FindByNameIP(ctx context.Context, name, ip string) (*domain.Node, error)
	Update(ctx context.Context, id domain.NodeID, fn func(*domain.Node) error) (*domain.Node, error)
	Delete(ctx context.Context, id domain.NodeID) error
	List(ctx context.Context) ([]*domain.Node, error)
}

// SessionRepository stores live sessions with the same Update contract as
// NodeRepository.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.LiveSession) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.LiveSession, error)
	Update(ctx context.Context, id domain.SessionID, fn func(*domain.LiveSession) error) (*domain.LiveSession, error)
	// ListByStatus is only required to answer for Pending and Active; a
	// store may drop ended sessions from its indexes.
	ListByStatus(ctx context.Context, status domain.SessionStatus) ([]*domain.LiveSession, error)
	ListByNode(ctx context.Context, nodeID domain.NodeID) ([]*domain.LiveSession, error)
}
