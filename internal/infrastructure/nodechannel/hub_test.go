package nodechannel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heartbeatCall struct {
	nodeID domain.NodeID
	status string
}

func startHub(t *testing.T) (*Hub, *httptest.Server, chan heartbeatCall) {
	t.Helper()
	beats := make(chan heartbeatCall, 4)
	hub := NewHub(HubConfig{PingInterval: time.Second, PongTimeout: 5 * time.Second}, func(ctx context.Context, id domain.NodeID, status string) error {
		beats <- heartbeatCall{id, status}
		return nil
	}, logger.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, domain.NodeID(r.URL.Query().Get("node")))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv, beats
}

func dialNode(t *testing.T, hub *Hub, srv *httptest.Server, nodeID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?node=" + nodeID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Connected(domain.NodeID(nodeID)) }, 2*time.Second, 10*time.Millisecond)
	return conn
}

// answerCommands replies to every command with reply until the socket closes.
func answerCommands(conn *websocket.Conn, reply func(Envelope) domain.NodeResponse) {
	go func() {
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type != EnvelopeCommand {
				continue
			}
			resp := reply(env)
			if err := conn.WriteJSON(Envelope{Type: EnvelopeReply, ID: env.ID, Reply: &resp}); err != nil {
				return
			}
		}
	}()
}

func TestHub_SendRoundTrip(t *testing.T) {
	hub, srv, _ := startHub(t)
	conn := dialNode(t, hub, srv, "node-1")

	received := make(chan domain.NodeCommand, 1)
	answerCommands(conn, func(env Envelope) domain.NodeResponse {
		received <- *env.Command
		return domain.NodeResponse{StreamURL: "https://node-1/live/s1/index.m3u8"}
	})

	cmd := domain.NodeCommand{
		Type: domain.CommandStartLive,
		Start: &domain.StartLiveCommand{
			SessionID: "s1",
			CameraID:  "cam-1",
			RTSPURL:   "rtsp://10.0.0.5/main",
			Username:  "admin",
			Password:  "hunter2",
		},
	}
	resp, err := hub.Send(context.Background(), &domain.Node{ID: "node-1"}, cmd)
	require.NoError(t, err)
	assert.Equal(t, "https://node-1/live/s1/index.m3u8", resp.StreamURL)

	got := <-received
	assert.Equal(t, domain.CommandStartLive, got.Type)
	assert.Equal(t, "hunter2", got.Start.Password.Reveal(), "the node receives the credentials it needs")
}

func TestHub_NotConnected(t *testing.T) {
	hub, _, _ := startHub(t)
	_, err := hub.Send(context.Background(), &domain.Node{ID: "ghost"}, domain.NodeCommand{Type: domain.CommandStopLive})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHub_SendHonoursDeadline(t *testing.T) {
	hub, srv, _ := startHub(t)
	dialNode(t, hub, srv, "node-1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := hub.Send(ctx, &domain.Node{ID: "node-1"}, domain.NodeCommand{Type: domain.CommandStopLive})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHub_DisconnectFailsPendingCommands(t *testing.T) {
	hub, srv, _ := startHub(t)
	dialNode(t, hub, srv, "node-1")

	errs := make(chan error, 1)
	go func() {
		_, err := hub.Send(context.Background(), &domain.Node{ID: "node-1"}, domain.NodeCommand{Type: domain.CommandStopLive})
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	hub.Disconnect("node-1")

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending command was not released")
	}
	assert.False(t, hub.Connected("node-1"))
}

func TestHub_ReconnectReplacesChannel(t *testing.T) {
	hub, srv, _ := startHub(t)
	first := dialNode(t, hub, srv, "node-1")
	second := dialNode(t, hub, srv, "node-1")

	answerCommands(second, func(Envelope) domain.NodeResponse { return domain.NodeResponse{} })

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "the old channel is closed")

	_, err = hub.Send(context.Background(), &domain.Node{ID: "node-1"}, domain.NodeCommand{Type: domain.CommandStopLive})
	assert.NoError(t, err)
	assert.Equal(t, 1, hub.Count())
}

func TestHub_ChannelHeartbeats(t *testing.T) {
	hub, srv, beats := startHub(t)
	conn := dialNode(t, hub, srv, "node-1")

	require.NoError(t, conn.WriteJSON(Envelope{Type: EnvelopeHeartbeat, Status: "draining"}))

	select {
	case beat := <-beats:
		assert.Equal(t, domain.NodeID("node-1"), beat.nodeID)
		assert.Equal(t, "draining", beat.status)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat not delivered")
	}
}
