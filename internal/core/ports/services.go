package ports

import (
	"context"
	"time"

	"vigilnet/internal/core/domain"
)

// NodeTransport carries one command to one node and waits for the reply.
// Implementations honour ctx cancellation.
type NodeTransport interface {
	Send(ctx context.Context, node *domain.Node, cmd domain.NodeCommand) (domain.NodeResponse, error)
}

type AuthGate interface {
	Authorize(principal domain.Principal, action domain.Action) bool
}

type CameraDirectory interface {
	Resolve(ctx context.Context, cameraID domain.CameraID) (*domain.CameraTarget, error)
}

type SignedURLIssuer interface {
	Issue(rawURL string, expiresAt time.Time) (domain.SignedURL, error)
	Verify(signedURL string) domain.VerifyResult
}

type NodeRegistration struct {
	NodeID            domain.NodeID
	APIKey            string
	HeartbeatInterval time.Duration
}

type NodeDirectory interface {
	Register(ctx context.Context, name, ip string, mediaPort int) (*NodeRegistration, error)
	Heartbeat(ctx context.Context, nodeID domain.NodeID, reported string) (*domain.Node, error)
	Authenticate(ctx context.Context, nodeID domain.NodeID, apiKey string) error
	Get(ctx context.Context, nodeID domain.NodeID) (*domain.Node, error)
	List(ctx context.Context) ([]*domain.Node, error)
	Delete(ctx context.Context, nodeID domain.NodeID) error
	HealthSweep(ctx context.Context) (int, error)
}

type CommandDispatcher interface {
	Send(ctx context.Context, nodeID domain.NodeID, cmd domain.NodeCommand) (domain.NodeResponse, error)
	StartLive(ctx context.Context, nodeID domain.NodeID, cmd domain.StartLiveCommand) (string, error)
	StopLive(ctx context.Context, nodeID domain.NodeID, sessionID domain.SessionID) error
	// StopLiveOn stops a session on a node record the caller already holds,
	// such as one that was just deleted from the directory.
	StopLiveOn(ctx context.Context, node *domain.Node, sessionID domain.SessionID) error
}

type StartLiveRequest struct {
	CameraID domain.CameraID
	Profile  string
	// PeerID binds a real-time peer already present in the PeerStore.
	PeerID    domain.PeerID
	RTPTarget *domain.RTPTarget
}

type StartLiveResult struct {
	SessionID domain.SessionID
	StreamURL string
	ExpiresAt time.Time
}

type SessionRegistry interface {
	StartLive(ctx context.Context, principal domain.Principal, req StartLiveRequest) (*StartLiveResult, error)
	StopLive(ctx context.Context, sessionID domain.SessionID, principal domain.Principal) error
	Get(ctx context.Context, sessionID domain.SessionID, principal domain.Principal) (*domain.LiveSession, error)
	SweepExpired(ctx context.Context) (int, error)
	FailNodeSessions(ctx context.Context, node *domain.Node) (int, error)
	EndPeerSession(ctx context.Context, peerID domain.PeerID) (bool, error)
	VerifyAccess(ctx context.Context, signedURL string) (domain.VerifyResult, error)
}

// PeerStore owns active real-time peers. Remove tears down outside its
// critical section and is idempotent.
type PeerStore interface {
	Insert(runtime *domain.PeerRuntime) error
	Remove(peerID domain.PeerID) (*domain.PeerRuntime, bool)
	Contains(peerID domain.PeerID) bool
	Count() int
	CleanupAll() int
}

type PreparedPeer struct {
	Runtime   *domain.PeerRuntime
	AnswerSDP string
	RTPTarget domain.RTPTarget
}

// PeerFactory builds a real-time peer for a browser offer. The peer is not
// yet tracked anywhere; the caller inserts it into a PeerStore.
type PeerFactory interface {
	Prepare(ctx context.Context, cameraID domain.CameraID, offerSDP string) (*PreparedPeer, error)
}

type MetricsRecorder interface {
	RecordSessionTransition(to domain.SessionStatus)
	SetActiveSessions(n int)
	RecordNodeCommand(command domain.CommandType, outcome string, duration time.Duration)
	SetNodesByStatus(counts map[domain.NodeStatus]int)
	SetActivePeers(n int)
	RecordSignedURLVerification(result domain.VerifyResult)
}

type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, event domain.SessionEvent) error
}
