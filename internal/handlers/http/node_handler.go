package http

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/internal/infrastructure/middleware"
	apperrors "vigilnet/pkg/errors"

	"github.com/gin-gonic/gin"
)

// RegistrationTokenHeader carries the shared registration secret.
const RegistrationTokenHeader = "X-Registration-Token"

// ChannelServer accepts the persistent control channel a node dials in on.
type ChannelServer interface {
	Serve(w http.ResponseWriter, r *http.Request, nodeID domain.NodeID)
	Connected(nodeID domain.NodeID) bool
}

type NodeHandler struct {
	nodes             ports.NodeDirectory
	channel           ChannelServer
	authRequired      gin.HandlerFunc
	adminOnly         gin.HandlerFunc
	registrationToken string
}

var _ ports.HTTPHandler = (*NodeHandler)(nil)

// NewNodeHandler builds the node-facing routes. channel may be nil when
// commands reach nodes over plain HTTP.
func NewNodeHandler(
	nodes ports.NodeDirectory,
	channel ChannelServer,
	authRequired, adminOnly gin.HandlerFunc,
	registrationToken string,
) *NodeHandler {
	return &NodeHandler{
		nodes:             nodes,
		channel:           channel,
		authRequired:      authRequired,
		adminOnly:         adminOnly,
		registrationToken: registrationToken,
	}
}

func (h *NodeHandler) RegisterRoutes(rg *gin.RouterGroup) {
	nodeAuth := middleware.NodeAuthMiddleware(h.nodes)

	nodes := rg.Group("/nodes")
	{
		nodes.POST("", h.Register)
		nodes.POST("/:id/heartbeat", nodeAuth, h.Heartbeat)
		if h.channel != nil {
			nodes.GET("/:id/channel", nodeAuth, h.Channel)
		}

		nodes.GET("", h.authRequired, h.adminOnly, h.List)
		nodes.DELETE("/:id", h.authRequired, h.adminOnly, h.Delete)
	}
}

type RegisterNodeRequest struct {
	Name      string `json:"name" binding:"required,max=64"`
	IP        string `json:"ip" binding:"required,max=64"`
	MediaPort int    `json:"media_port" binding:"required"`
}

func (h *NodeHandler) Register(c *gin.Context) {
	if h.registrationToken != "" {
		given := c.GetHeader(RegistrationTokenHeader)
		if subtle.ConstantTimeCompare([]byte(given), []byte(h.registrationToken)) != 1 {
			c.Error(apperrors.NewUnauthorizedError("registration token required"))
			return
		}
	}

	var req RegisterNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("name, ip and media_port are required"))
		return
	}

	reg, err := h.nodes.Register(c.Request.Context(), req.Name, req.IP, req.MediaPort)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"node_id":                    reg.NodeID,
		"api_key":                    reg.APIKey,
		"heartbeat_interval_seconds": int(reg.HeartbeatInterval / time.Second),
	})
}

type HeartbeatRequest struct {
	Status string `json:"status"`
}

func (h *NodeHandler) Heartbeat(c *gin.Context) {
	nodeID, _ := middleware.NodeIDFrom(c)

	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.Error(apperrors.NewInvalidInputError("invalid heartbeat body"))
		return
	}

	node, err := h.nodes.Heartbeat(c.Request.Context(), nodeID, req.Status)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "status": node.Status})
}

// Channel upgrades to the websocket control channel. The hub writes the
// response itself.
func (h *NodeHandler) Channel(c *gin.Context) {
	nodeID, _ := middleware.NodeIDFrom(c)
	h.channel.Serve(c.Writer, c.Request, nodeID)
}

type NodeView struct {
	ID               domain.NodeID         `json:"id"`
	Name             string                `json:"name"`
	IP               string                `json:"ip"`
	MediaPort        int                   `json:"media_port"`
	Status           domain.NodeStatus     `json:"status"`
	ReportedStatus   domain.ReportedStatus `json:"reported_status,omitempty"`
	LastHeartbeat    *time.Time            `json:"last_heartbeat,omitempty"`
	RegisteredAt     time.Time             `json:"registered_at"`
	ChannelConnected *bool                 `json:"channel_connected,omitempty"`
}

func (h *NodeHandler) view(n *domain.Node) NodeView {
	v := NodeView{
		ID:             n.ID,
		Name:           n.Name,
		IP:             n.IP,
		MediaPort:      n.MediaPort,
		Status:         n.Status,
		ReportedStatus: n.ReportedStatus,
		RegisteredAt:   n.RegisteredAt,
	}
	if !n.LastHeartbeat.IsZero() {
		last := n.LastHeartbeat
		v.LastHeartbeat = &last
	}
	if h.channel != nil {
		connected := h.channel.Connected(n.ID)
		v.ChannelConnected = &connected
	}
	return v
}

func (h *NodeHandler) List(c *gin.Context) {
	nodes, err := h.nodes.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	views := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, h.view(n))
	}
	c.JSON(http.StatusOK, gin.H{"nodes": views, "total": len(views)})
}

func (h *NodeHandler) Delete(c *gin.Context) {
	if err := h.nodes.Delete(c.Request.Context(), domain.NodeID(c.Param("id"))); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
