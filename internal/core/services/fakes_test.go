package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/internal/infrastructure/repositories/memory"
	"vigilnet/pkg/clock"
	"vigilnet/pkg/logger"
	"vigilnet/pkg/retry"

	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// fakeTransport records every command it is asked to deliver.
type fakeTransport struct {
	mu        sync.Mutex
	calls     []domain.NodeCommand
	streamURL string
	startErr  error
	startResp *domain.NodeResponse
	stopErr   error
	gate      chan struct{}
	entered   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{streamURL: "https://edge-1.local:8443/live/cam-1/index.m3u8"}
}

// blockStarts holds start commands until release is called.
func (f *fakeTransport) blockStarts() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 1)
	gate := f.gate
	return func() { close(gate) }
}

func (f *fakeTransport) Send(ctx context.Context, node *domain.Node, cmd domain.NodeCommand) (domain.NodeResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	gate, entered := f.gate, f.entered
	streamURL, startErr, startResp, stopErr := f.streamURL, f.startErr, f.startResp, f.stopErr
	f.mu.Unlock()

	switch cmd.Type {
	case domain.CommandStartLive:
		if entered != nil {
			entered <- struct{}{}
		}
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return domain.NodeResponse{}, ctx.Err()
			}
		}
		if startErr != nil {
			return domain.NodeResponse{}, startErr
		}
		if startResp != nil {
			return *startResp, nil
		}
		return domain.NodeResponse{StreamURL: streamURL}, nil
	default:
		return domain.NodeResponse{}, stopErr
	}
}

func (f *fakeTransport) count(t domain.CommandType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Type == t {
			n++
		}
	}
	return n
}

func (f *fakeTransport) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) lastStart() *domain.StartLiveCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Start != nil {
			return f.calls[i].Start
		}
	}
	return nil
}

type fakeCameras struct {
	targets map[domain.CameraID]*domain.CameraTarget
}

func (c *fakeCameras) Resolve(ctx context.Context, id domain.CameraID) (*domain.CameraTarget, error) {
	t, ok := c.targets[id]
	if !ok {
		return nil, domain.ErrCameraNotFound
	}
	copied := *t
	return &copied, nil
}

type fakePeerStore struct {
	mu      sync.Mutex
	peers   map[domain.PeerID]*domain.PeerRuntime
	removed map[domain.PeerID]int
}

func newFakePeerStore() *fakePeerStore {
	return &fakePeerStore{
		peers:   make(map[domain.PeerID]*domain.PeerRuntime),
		removed: make(map[domain.PeerID]int),
	}
}

func (p *fakePeerStore) Insert(rt *domain.PeerRuntime) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peers[rt.PeerID]; ok {
		return domain.ErrPeerExists
	}
	p.peers[rt.PeerID] = rt
	return nil
}

func (p *fakePeerStore) Remove(id domain.PeerID) (*domain.PeerRuntime, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rt, ok := p.peers[id]
	if ok {
		delete(p.peers, id)
		p.removed[id]++
	}
	return rt, ok
}

func (p *fakePeerStore) Contains(id domain.PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.peers[id]
	return ok
}

func (p *fakePeerStore) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

func (p *fakePeerStore) CleanupAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.peers)
	p.peers = make(map[domain.PeerID]*domain.PeerRuntime)
	return n
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (e *fakeEvents) PublishSessionEvent(ctx context.Context, ev domain.SessionEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

type testEnv struct {
	clock      *clock.Fake
	nodes      ports.NodeRepository
	sessions   ports.SessionRepository
	directory  *NodeDirectory
	transport  *fakeTransport
	dispatcher ports.CommandDispatcher
	issuer     ports.SignedURLIssuer
	registry   *SessionRegistry
	peers      *fakePeerStore
	events     *fakeEvents
	metrics    *MetricsService
	nodeID     domain.NodeID
	nodeKey    string
}

const (
	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 90 * time.Second
)

func testStopRetry() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := logger.Nop()

	env := &testEnv{
		clock:     clock.NewFake(testEpoch),
		nodes:     memory.NewMemoryNodeRepository(),
		sessions:  memory.NewMemorySessionRepository(),
		transport: newFakeTransport(),
		peers:     newFakePeerStore(),
		events:    &fakeEvents{},
		metrics:   NewMetricsService(),
	}

	env.directory = NewNodeDirectory(env.nodes, NodeDirectoryConfig{
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
	}, env.clock, env.metrics, log)

	env.dispatcher = NewCommandDispatcher(env.nodes, env.transport, CommandDispatcherConfig{
		CommandTimeout:   2 * time.Second,
		HeartbeatTimeout: heartbeatTimeout,
		StopRetry:        testStopRetry(),
	}, env.clock, env.metrics, log)

	issuer, err := NewSignedURLIssuer("registry-test-secret-000000", env.clock)
	require.NoError(t, err)
	env.issuer = issuer

	reg, err := env.directory.Register(ctx, "edge-1", "10.0.0.10", 8554)
	require.NoError(t, err)
	env.nodeID, env.nodeKey = reg.NodeID, reg.APIKey
	_, err = env.directory.Heartbeat(ctx, env.nodeID, "online")
	require.NoError(t, err)

	cameras := &fakeCameras{targets: map[domain.CameraID]*domain.CameraTarget{
		"cam-1": {
			CameraID:    "cam-1",
			NodeID:      env.nodeID,
			RTSPURL:     "rtsp://10.0.0.5:554/main",
			Credentials: domain.Credentials{Username: "admin", Password: "hunter2"},
		},
		"cam-orphan": {CameraID: "cam-orphan", NodeID: "missing-node", RTSPURL: "rtsp://10.0.0.6/main"},
	}}

	env.registry = NewSessionRegistry(env.sessions, cameras, env.dispatcher, env.issuer, NewRoleGate(), SessionRegistryConfig{
		DefaultTTL:     60 * time.Second,
		DefaultProfile: "hls",
		Profiles: map[string]time.Duration{
			"hls":                10 * time.Minute,
			domain.ProfileWebRTC: 30 * time.Second,
		},
		InstanceID: "test",
	}, env.clock, env.metrics, log).
		WithPeerStore(env.peers).
		WithEventPublisher(env.events)

	env.directory.OnNodeRemoved(func(ctx context.Context, node *domain.Node) {
		_, _ = env.registry.FailNodeSessions(ctx, node)
	})
	return env
}

var (
	alice    = domain.Principal{UserID: "alice", Role: domain.RoleViewer}
	bob      = domain.Principal{UserID: "bob", Role: domain.RoleViewer}
	operator = domain.Principal{UserID: "olga", Role: domain.RoleOperator}
	admin    = domain.Principal{UserID: "root", Role: domain.RoleAdmin}
)

func (env *testEnv) session(t *testing.T, id domain.SessionID) *domain.LiveSession {
	t.Helper()
	s, err := env.sessions.GetByID(context.Background(), id)
	require.NoError(t, err)
	return s
}
