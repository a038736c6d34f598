package http

import (
	"net/http"
	"strings"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/internal/core/services"
	apperrors "vigilnet/pkg/errors"
	"vigilnet/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler mints viewer tokens for development setups that have no
// identity provider in front of the control plane.
type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

var _ ports.HTTPHandler = (*AuthHandler)(nil)

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/auth/token", h.IssueToken)
}

type IssueTokenRequest struct {
	UserID string `json:"user_id" binding:"required,max=128"`
	Role   string `json:"role" binding:"required"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("user_id and role are required"))
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if err := validation.ValidateIdentifier(userID, "user_id"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	role := domain.Role(strings.ToLower(req.Role))
	if !role.Valid() {
		c.Error(apperrors.NewInvalidInputError("role must be one of admin, operator, viewer"))
		return
	}

	token, err := h.authService.GenerateToken(domain.UserID(userID), role)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}
