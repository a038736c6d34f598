package http

import (
	"fmt"
	"net/http"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/internal/infrastructure/middleware"
	apperrors "vigilnet/pkg/errors"
	"vigilnet/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type SessionHandler struct {
	sessions     ports.SessionRegistry
	peers        ports.PeerStore
	factory      ports.PeerFactory
	authRequired gin.HandlerFunc
	logger       *zap.SugaredLogger
}

var _ ports.HTTPHandler = (*SessionHandler)(nil)

// NewSessionHandler builds the viewer routes. factory and peers may be nil,
// which disables real-time sessions.
func NewSessionHandler(
	sessions ports.SessionRegistry,
	peers ports.PeerStore,
	factory ports.PeerFactory,
	authRequired gin.HandlerFunc,
	logger *zap.SugaredLogger,
) *SessionHandler {
	return &SessionHandler{
		sessions:     sessions,
		peers:        peers,
		factory:      factory,
		authRequired: authRequired,
		logger:       logger,
	}
}

func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions", h.authRequired)
	{
		sessions.POST("", h.StartLive)
		if h.factory != nil && h.peers != nil {
			sessions.POST("/webrtc", h.StartWebRTC)
		}
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.StopLive)
	}
}

type StartLiveRequest struct {
	CameraID string `json:"camera_id" binding:"required,max=128"`
	Profile  string `json:"profile" binding:"max=32"`
}

type StartLiveResponse struct {
	SessionID domain.SessionID `json:"session_id"`
	StreamURL string           `json:"stream_url"`
	ExpiresAt time.Time        `json:"expires_at"`
}

func (h *SessionHandler) StartLive(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)

	var req StartLiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("camera_id is required"))
		return
	}

	result, err := h.sessions.StartLive(c.Request.Context(), principal, ports.StartLiveRequest{
		CameraID: domain.CameraID(req.CameraID),
		Profile:  req.Profile,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, StartLiveResponse{
		SessionID: result.SessionID,
		StreamURL: result.StreamURL,
		ExpiresAt: result.ExpiresAt,
	})
}

type StartWebRTCRequest struct {
	CameraID string `json:"camera_id" binding:"required,max=128"`
	SDP      string `json:"sdp" binding:"required"`
}

type StartWebRTCResponse struct {
	SessionID domain.SessionID `json:"session_id"`
	PeerID    domain.PeerID    `json:"peer_id"`
	SDP       string           `json:"sdp"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// StartWebRTC answers a browser offer with a local peer fed by the node's
// RTP push. Any failure after the peer exists removes it again.
func (h *SessionHandler) StartWebRTC(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	ctx := c.Request.Context()

	var req StartWebRTCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("camera_id and sdp are required"))
		return
	}
	if err := validation.ValidateSDP(req.SDP); err != nil {
		c.Error(fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}

	prepared, err := h.factory.Prepare(ctx, domain.CameraID(req.CameraID), req.SDP)
	if err != nil {
		c.Error(err)
		return
	}

	peerID := prepared.Runtime.PeerID
	if err := h.peers.Insert(prepared.Runtime); err != nil {
		prepared.Runtime.Task.Abort()
		if closeErr := prepared.Runtime.Transport.Close(); closeErr != nil {
			h.logger.Warnw("failed to close rejected peer", "peer_id", peerID, "error", closeErr)
		}
		c.Error(err)
		return
	}

	target := prepared.RTPTarget
	result, err := h.sessions.StartLive(ctx, principal, ports.StartLiveRequest{
		CameraID:  domain.CameraID(req.CameraID),
		Profile:   domain.ProfileWebRTC,
		PeerID:    peerID,
		RTPTarget: &target,
	})
	if err != nil {
		h.peers.Remove(peerID)
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, StartWebRTCResponse{
		SessionID: result.SessionID,
		PeerID:    peerID,
		SDP:       prepared.AnswerSDP,
		ExpiresAt: result.ExpiresAt,
	})
}

type SessionView struct {
	ID        domain.SessionID     `json:"id"`
	UserID    domain.UserID        `json:"user_id"`
	CameraID  domain.CameraID      `json:"camera_id"`
	NodeID    domain.NodeID        `json:"node_id"`
	Profile   string               `json:"profile"`
	Status    domain.SessionStatus `json:"status"`
	Reason    string               `json:"reason,omitempty"`
	PeerID    domain.PeerID        `json:"peer_id,omitempty"`
	StartedAt time.Time            `json:"started_at"`
	ExpiresAt time.Time            `json:"expires_at"`
	EndedAt   *time.Time           `json:"ended_at,omitempty"`
}

func sessionView(s *domain.LiveSession) SessionView {
	v := SessionView{
		ID:        s.ID,
		UserID:    s.UserID,
		CameraID:  s.CameraID,
		NodeID:    s.NodeID,
		Profile:   s.Profile,
		Status:    s.Status,
		Reason:    s.Reason,
		PeerID:    s.PeerID,
		StartedAt: s.StartedAt,
		ExpiresAt: s.ExpiresAt,
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		v.EndedAt = &ended
	}
	return v
}

// Get never returns the node's raw stream URL; viewers only ever see it
// signed, in the start response.
func (h *SessionHandler) Get(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)

	session, err := h.sessions.Get(c.Request.Context(), domain.SessionID(c.Param("id")), principal)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, sessionView(session))
}

func (h *SessionHandler) StopLive(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)

	if err := h.sessions.StopLive(c.Request.Context(), domain.SessionID(c.Param("id")), principal); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
