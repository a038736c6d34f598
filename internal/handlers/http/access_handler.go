package http

import (
	"net/http"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	apperrors "vigilnet/pkg/errors"

	"github.com/gin-gonic/gin"
)

// AccessHandler lets media servers check a viewer's signed URL before
// serving it.
type AccessHandler struct {
	sessions ports.SessionRegistry
}

var _ ports.HTTPHandler = (*AccessHandler)(nil)

func NewAccessHandler(sessions ports.SessionRegistry) *AccessHandler {
	return &AccessHandler{sessions: sessions}
}

func (h *AccessHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/access/verify", h.Verify)
}

func (h *AccessHandler) Verify(c *gin.Context) {
	signed := c.Query("url")
	if signed == "" {
		c.Error(apperrors.NewInvalidInputError("url is required"))
		return
	}

	result, err := h.sessions.VerifyAccess(c.Request.Context(), signed)
	if err != nil {
		c.Error(err)
		return
	}

	status := http.StatusOK
	if result != domain.VerifyOK {
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{
		"valid":  result == domain.VerifyOK,
		"result": result.String(),
	})
}
