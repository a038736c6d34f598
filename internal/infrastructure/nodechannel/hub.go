package nodechannel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Envelope types exchanged over a node channel.
const (
	EnvelopeCommand   = "command"
	EnvelopeReply     = "reply"
	EnvelopeHeartbeat = "heartbeat"
	EnvelopeError     = "error"
)

var ErrNotConnected = errors.New("node is not connected")

// Envelope is one frame on the channel. Commands flow to the node and carry
// an id the node echoes in its reply.
type Envelope struct {
	Type    string               `json:"type"`
	ID      string               `json:"id,omitempty"`
	Command *domain.NodeCommand  `json:"command,omitempty"`
	Reply   *domain.NodeResponse `json:"reply,omitempty"`
	Status  string               `json:"status,omitempty"`
	Message string               `json:"message,omitempty"`
}

// HeartbeatFunc receives heartbeats that arrive over the channel.
type HeartbeatFunc func(ctx context.Context, nodeID domain.NodeID, status string) error

type HubConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

// Hub keeps one websocket per node. Nodes dial in after authenticating;
// the dispatcher sends commands and waits for the matching reply.
type Hub struct {
	config    HubConfig
	upgrader  websocket.Upgrader
	heartbeat HeartbeatFunc

	conns map[domain.NodeID]*nodeConn
	mu    sync.RWMutex

	logger *zap.SugaredLogger
}

var _ ports.NodeTransport = (*Hub)(nil)

type nodeConn struct {
	nodeID  domain.NodeID
	ws      *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan domain.NodeResponse

	closed    chan struct{}
	closeOnce sync.Once
}

func NewHub(config HubConfig, heartbeat HeartbeatFunc, logger *zap.SugaredLogger) *Hub {
	if config.PingInterval <= 0 {
		config.PingInterval = 15 * time.Second
	}
	if config.PongTimeout <= config.PingInterval {
		config.PongTimeout = 3 * config.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		config:    config,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Nodes are not browsers; authentication happens before upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:  make(map[domain.NodeID]*nodeConn),
		logger: logger,
	}
}

// Serve upgrades an authenticated node request and runs the channel until
// the node disconnects. A reconnecting node replaces its previous channel.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, nodeID domain.NodeID) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("node channel upgrade failed", "node_id", nodeID, "error", err)
		return
	}

	nc := &nodeConn{
		nodeID:  nodeID,
		ws:      ws,
		pending: make(map[string]chan domain.NodeResponse),
		closed:  make(chan struct{}),
	}

	h.mu.Lock()
	previous, reconnect := h.conns[nodeID]
	h.conns[nodeID] = nc
	h.mu.Unlock()
	if reconnect {
		previous.close()
	}

	h.logger.Infow("node channel connected", "node_id", nodeID, "reconnect", reconnect)

	go h.pingLoop(nc)
	h.readLoop(r.Context(), nc)

	h.mu.Lock()
	if h.conns[nodeID] == nc {
		delete(h.conns, nodeID)
	}
	h.mu.Unlock()
	nc.close()

	h.logger.Infow("node channel disconnected", "node_id", nodeID)
}

func (h *Hub) readLoop(ctx context.Context, nc *nodeConn) {
	ctx = context.WithoutCancel(ctx)
	_ = nc.ws.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	nc.ws.SetPongHandler(func(string) error {
		return nc.ws.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	})

	for {
		var env Envelope
		if err := nc.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("node channel read failed", "node_id", nc.nodeID, "error", err)
			}
			return
		}
		_ = nc.ws.SetReadDeadline(time.Now().Add(h.config.PongTimeout))

		switch env.Type {
		case EnvelopeReply:
			if env.Reply == nil {
				env.Reply = &domain.NodeResponse{Code: "empty_reply"}
			}
			nc.resolve(env.ID, *env.Reply)
		case EnvelopeHeartbeat:
			if h.heartbeat == nil {
				continue
			}
			if err := h.heartbeat(ctx, nc.nodeID, env.Status); err != nil {
				h.logger.Warnw("channel heartbeat rejected", "node_id", nc.nodeID, "error", err)
				h.writeEnvelope(nc, Envelope{Type: EnvelopeError, Message: "heartbeat rejected"})
			}
		default:
			h.writeEnvelope(nc, Envelope{Type: EnvelopeError, Message: fmt.Sprintf("unknown envelope type %q", env.Type)})
		}
	}
}

func (h *Hub) pingLoop(nc *nodeConn) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			nc.writeMu.Lock()
			err := nc.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout))
			nc.writeMu.Unlock()
			if err != nil {
				h.logger.Infow("node channel ping failed", "node_id", nc.nodeID, "error", err)
				nc.close()
				return
			}
		case <-nc.closed:
			return
		}
	}
}

func (h *Hub) writeEnvelope(nc *nodeConn, env Envelope) error {
	nc.writeMu.Lock()
	defer nc.writeMu.Unlock()
	_ = nc.ws.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	return nc.ws.WriteJSON(env)
}

// Send delivers a command to the node's channel and waits for its reply or
// for ctx to end.
func (h *Hub) Send(ctx context.Context, node *domain.Node, cmd domain.NodeCommand) (domain.NodeResponse, error) {
	h.mu.RLock()
	nc, ok := h.conns[node.ID]
	h.mu.RUnlock()
	if !ok {
		return domain.NodeResponse{}, ErrNotConnected
	}

	id := utils.GenerateRequestID()
	replies := make(chan domain.NodeResponse, 1)
	nc.pendingMu.Lock()
	nc.pending[id] = replies
	nc.pendingMu.Unlock()
	defer func() {
		nc.pendingMu.Lock()
		delete(nc.pending, id)
		nc.pendingMu.Unlock()
	}()

	if err := h.writeEnvelope(nc, Envelope{Type: EnvelopeCommand, ID: id, Command: &cmd}); err != nil {
		nc.close()
		return domain.NodeResponse{}, fmt.Errorf("failed to write command: %w", err)
	}

	select {
	case resp := <-replies:
		return resp, nil
	case <-nc.closed:
		return domain.NodeResponse{}, ErrNotConnected
	case <-ctx.Done():
		return domain.NodeResponse{}, ctx.Err()
	}
}

// Connected reports whether nodeID has a live channel.
func (h *Hub) Connected(nodeID domain.NodeID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[nodeID]
	return ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Disconnect drops a node's channel, used when the node is deleted.
func (h *Hub) Disconnect(nodeID domain.NodeID) {
	h.mu.Lock()
	nc, ok := h.conns[nodeID]
	delete(h.conns, nodeID)
	h.mu.Unlock()
	if ok {
		nc.close()
	}
}

// Close drops every channel.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[domain.NodeID]*nodeConn)
	h.mu.Unlock()
	for _, nc := range conns {
		nc.close()
	}
}

func (nc *nodeConn) resolve(id string, resp domain.NodeResponse) {
	nc.pendingMu.Lock()
	ch, ok := nc.pending[id]
	nc.pendingMu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

func (nc *nodeConn) close() {
	nc.closeOnce.Do(func() {
		close(nc.closed)
		nc.writeMu.Lock()
		_ = nc.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		nc.writeMu.Unlock()
		_ = nc.ws.Close()
	})
}
