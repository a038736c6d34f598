package services

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRegistry_StartLive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1"})
	require.NoError(t, err)

	session := env.session(t, res.SessionID)
	assert.Equal(t, domain.SessionActive, session.Status)
	assert.Equal(t, "hls", session.Profile)
	assert.Equal(t, env.nodeID, session.NodeID)
	assert.Equal(t, testEpoch.Add(60*time.Second), res.ExpiresAt)
	assert.Equal(t, env.transport.streamURL, session.StreamURL)

	u, err := url.Parse(res.StreamURL)
	require.NoError(t, err)
	assert.Equal(t, string(res.SessionID), u.Query().Get(SessionIDParam))
	assert.NotEmpty(t, u.Query().Get("token"))
	assert.Equal(t, domain.VerifyOK, env.issuer.Verify(res.StreamURL))

	start := env.transport.lastStart()
	require.NotNil(t, start)
	assert.Equal(t, "hunter2", start.Password.Reveal(), "credentials reach the node")
	assert.Equal(t, "rtsp://10.0.0.5:554/main", start.RTSPURL)
	assert.Equal(t, 1, env.transport.count(domain.CommandStartLive))
}

func TestSessionRegistry_ProfileCapsTTL(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1", Profile: domain.ProfileWebRTC})
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(30*time.Second), res.ExpiresAt)

	_, err = env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1", Profile: "4k"})
	assert.ErrorIs(t, err, domain.ErrInvalidProfile)
}

func TestSessionRegistry_StartLiveRejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.registry.StartLive(ctx, domain.Principal{UserID: "mallory"}, ports.StartLiveRequest{CameraID: "cam-1"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-404"})
	assert.ErrorIs(t, err, domain.ErrCameraNotFound)

	_, err = env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "bad id"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1", PeerID: "peer_unknown"})
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)

	assert.Equal(t, 0, env.transport.total())
}

func TestSessionRegistry_OfflineNodeFailsClosed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.clock.Advance(heartbeatTimeout + time.Second)
	flipped, err := env.directory.HealthSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, flipped)

	_, err = env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1"})
	assert.ErrorIs(t, err, domain.ErrNodeOffline)
	assert.Equal(t, 0, env.transport.total(), "no transport calls for an offline node")

	failed, err := env.sessions.ListByStatus(ctx, domain.SessionError)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "node offline", failed[0].Reason)
}

func TestSessionRegistry_UnknownNodeFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-orphan"})
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)

	failed, _ := env.sessions.ListByStatus(ctx, domain.SessionError)
	assert.Len(t, failed, 1)
}

func TestSessionRegistry_NodeRejectionMarksError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.transport.startResp = &domain.NodeResponse{Code: "PIPELINE", Message: "camera unreachable"}

	_, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1"})
	require.ErrorIs(t, err, domain.ErrNodeCommandFailed)

	var cmdErr *domain.NodeCommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, cmdErr.Reason, "camera unreachable")

	failed, _ := env.sessions.ListByStatus(ctx, domain.SessionError)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, env.transport.count(domain.CommandStartLive), "start is never retried")
	assert.Equal(t, 0, env.transport.count(domain.CommandStopLive))
}

func TestSessionRegistry_ExpirySweep(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1"})
	require.NoError(t, err)

	env.clock.Set(testEpoch.Add(60 * time.Second))
	n, err := env.registry.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a session is valid up to its deadline")

	env.clock.Set(testEpoch.Add(61 * time.Second))
	n, err = env.registry.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.SessionExpired, env.session(t, res.SessionID).Status)
	assert.Equal(t, 1, env.transport.count(domain.CommandStopLive))

	n, err = env.registry.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, env.transport.count(domain.CommandStopLive), "exactly one stop per expiry")

	assert.Equal(t, domain.VerifyExpired, env.issuer.Verify(res.StreamURL))
}

func TestSessionRegistry_StopLiveAuthorization(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1"})
	require.NoError(t, err)

	assert.ErrorIs(t, env.registry.StopLive(ctx, res.SessionID, bob), domain.ErrForbidden)
	_, err = env.registry.Get(ctx, res.SessionID, bob)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err := env.registry.Get(ctx, res.SessionID, alice)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, got.ID)

	require.NoError(t, env.registry.StopLive(ctx, res.SessionID, operator))
	assert.Equal(t, domain.SessionExpired, env.session(t, res.SessionID).Status)

	assert.ErrorIs(t, env.registry.StopLive(ctx, "no-such-session", admin), domain.ErrSessionNotFound)
}

func TestSessionRegistry_StopLiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1"})
	require.NoError(t, err)

	require.NoError(t, env.registry.StopLive(ctx, res.SessionID, alice))
	require.NoError(t, env.registry.StopLive(ctx, res.SessionID, alice))
	require.NoError(t, env.registry.StopLive(ctx, res.SessionID, admin))

	assert.Equal(t, 1, env.transport.count(domain.CommandStopLive))
	assert.Equal(t, domain.SessionExpired, env.session(t, res.SessionID).Status)
}

func TestSessionRegistry_StopSucceedsWhenNodeFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1"})
	require.NoError(t, err)

	env.transport.mu.Lock()
	env.transport.stopErr = assert.AnError
	env.transport.mu.Unlock()

	require.NoError(t, env.registry.StopLive(ctx, res.SessionID, alice))
	assert.Equal(t, domain.SessionExpired, env.session(t, res.SessionID).Status)
	assert.Equal(t, 3, env.transport.count(domain.CommandStopLive), "stop is retried a bounded number of times")
}

func TestSessionRegistry_StopDuringStartIsNotLost(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	release := env.transport.blockStarts()

	var startErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, startErr = env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1"})
	}()

	<-env.transport.entered
	pending, err := env.sessions.ListByStatus(ctx, domain.SessionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	id := pending[0].ID

	require.NoError(t, env.registry.StopLive(ctx, id, alice))
	assert.Equal(t, domain.SessionExpired, env.session(t, id).Status)
	assert.Equal(t, 0, env.transport.count(domain.CommandStopLive), "stop waits for the start to resolve")

	release()
	<-done

	assert.ErrorIs(t, startErr, domain.ErrSessionCancelled)
	assert.Equal(t, domain.SessionExpired, env.session(t, id).Status, "a late start never revives a stopped session")
	assert.Equal(t, 1, env.transport.count(domain.CommandStopLive))
}

func TestSessionRegistry_ConcurrentStopsSendOneCommand(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.registry.StopLive(ctx, res.SessionID, alice))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		env.clock.Advance(61 * time.Second)
		_, err := env.registry.SweepExpired(ctx)
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.Equal(t, 1, env.transport.count(domain.CommandStopLive))
}

func TestSessionRegistry_VerifyAccessHonoursRevocation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1"})
	require.NoError(t, err)

	result, err := env.registry.VerifyAccess(ctx, res.StreamURL)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyOK, result)

	require.NoError(t, env.registry.StopLive(ctx, res.SessionID, alice))

	assert.Equal(t, domain.VerifyOK, env.issuer.Verify(res.StreamURL), "the signature itself is still valid")
	result, err = env.registry.VerifyAccess(ctx, res.StreamURL)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyRevoked, result)

	result, _ = env.registry.VerifyAccess(ctx, res.StreamURL+"x")
	assert.Equal(t, domain.VerifyInvalidSignature, result)
}

func TestSessionRegistry_NodeDeletionFailsSessions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1"})
	require.NoError(t, err)

	require.NoError(t, env.directory.Delete(ctx, env.nodeID))

	session := env.session(t, res.SessionID)
	assert.Equal(t, domain.SessionError, session.Status)
	assert.Equal(t, "node removed", session.Reason)
	assert.Equal(t, 1, env.transport.count(domain.CommandStopLive), "best-effort stop reaches the removed node")

	_, err = env.directory.Get(ctx, env.nodeID)
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)
}

type nopTransport struct{}

func (nopTransport) Close() error { return nil }

type nopTask struct{}

func (nopTask) Abort() {}

func TestSessionRegistry_TerminalSessionReleasesPeer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	rt, err := domain.NewPeerRuntime("peer_1", "cam-1", nopTransport{}, nopTask{}, 40000, testEpoch)
	require.NoError(t, err)
	require.NoError(t, env.peers.Insert(rt))

	res, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{
		CameraID:  "cam-1",
		Profile:   domain.ProfileWebRTC,
		PeerID:    "peer_1",
		RTPTarget: &domain.RTPTarget{Host: "10.0.0.1", Port: 40000, PayloadType: 96},
	})
	require.NoError(t, err)
	assert.True(t, env.peers.Contains("peer_1"))

	require.NoError(t, env.registry.StopLive(ctx, res.SessionID, alice))
	require.NoError(t, env.registry.StopLive(ctx, res.SessionID, alice))

	assert.False(t, env.peers.Contains("peer_1"))
	assert.Equal(t, 1, env.peers.removed["peer_1"])

	env.events.mu.Lock()
	defer env.events.mu.Unlock()
	require.Len(t, env.events.events, 1)
	assert.Equal(t, domain.SessionEventEnded, env.events.events[0].Type)
	assert.Equal(t, domain.PeerID("peer_1"), env.events.events[0].PeerID)
}

func TestSessionRegistry_FailedStartReleasesPeer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.transport.startErr = assert.AnError

	rt, err := domain.NewPeerRuntime("peer_2", "cam-1", nopTransport{}, nopTask{}, 40002, testEpoch)
	require.NoError(t, err)
	require.NoError(t, env.peers.Insert(rt))

	_, err = env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1", Profile: domain.ProfileWebRTC, PeerID: "peer_2"})
	assert.ErrorIs(t, err, domain.ErrNodeCommandFailed)
	assert.False(t, env.peers.Contains("peer_2"))
}

func TestSessionRegistry_PeerFailureEndsSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	rt, err := domain.NewPeerRuntime("peer_3", "cam-1", nopTransport{}, nopTask{}, 40003, testEpoch)
	require.NoError(t, err)
	require.NoError(t, env.peers.Insert(rt))

	res, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{
		CameraID:  "cam-1",
		Profile:   domain.ProfileWebRTC,
		PeerID:    "peer_3",
		RTPTarget: &domain.RTPTarget{Host: "10.0.0.1", Port: 40003, PayloadType: 96},
	})
	require.NoError(t, err)

	owned, err := env.registry.EndPeerSession(ctx, "peer_3")
	require.NoError(t, err)
	assert.True(t, owned)

	session, err := env.sessions.GetByID(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, session.Status)
	assert.Equal(t, 1, env.transport.count(domain.CommandStopLive), "the node is told to stop pushing")
	assert.False(t, env.peers.Contains("peer_3"))

	owned, err = env.registry.EndPeerSession(ctx, "peer_3")
	require.NoError(t, err)
	assert.False(t, owned, "the peer is forgotten once its session ends")
	assert.Equal(t, 1, env.transport.count(domain.CommandStopLive))

	owned, err = env.registry.EndPeerSession(ctx, "peer_unknown")
	require.NoError(t, err)
	assert.False(t, owned)
}

func TestSessionRegistry_PeerLostDuringStartCancels(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	release := env.transport.blockStarts()

	rt, err := domain.NewPeerRuntime("peer_4", "cam-1", nopTransport{}, nopTask{}, 40004, testEpoch)
	require.NoError(t, err)
	require.NoError(t, env.peers.Insert(rt))

	done := make(chan error, 1)
	go func() {
		_, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{
			CameraID:  "cam-1",
			Profile:   domain.ProfileWebRTC,
			PeerID:    "peer_4",
			RTPTarget: &domain.RTPTarget{Host: "10.0.0.1", Port: 40004, PayloadType: 96},
		})
		done <- err
	}()
	<-env.transport.entered

	env.peers.Remove("peer_4")
	release()

	assert.ErrorIs(t, <-done, domain.ErrSessionCancelled)
	assert.Equal(t, 1, env.transport.count(domain.CommandStopLive))
	for _, status := range []domain.SessionStatus{domain.SessionPending, domain.SessionActive} {
		live, err := env.sessions.ListByStatus(ctx, status)
		require.NoError(t, err)
		assert.Empty(t, live, status)
	}
}

func TestSessionRegistry_RecordsTransitions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.registry.StartLive(ctx, alice, ports.StartLiveRequest{CameraID: "cam-1"})
	require.NoError(t, err)
	require.NoError(t, env.registry.StopLive(ctx, res.SessionID, alice))

	snap := env.metrics.Snapshot()
	assert.Equal(t, 1, snap.SessionTransitions[domain.SessionPending])
	assert.Equal(t, 1, snap.SessionTransitions[domain.SessionActive])
	assert.Equal(t, 1, snap.SessionTransitions[domain.SessionExpired])
	assert.Equal(t, 1, env.metrics.CommandCount(domain.CommandStartLive, outcomeSuccess))
}
