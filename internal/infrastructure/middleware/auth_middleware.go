package middleware

import (
	"errors"
	"strings"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/internal/core/services"
	apperrors "vigilnet/pkg/errors"
	"vigilnet/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	principalKey = "principal"
	nodeIDKey    = "node_id"

	// NodeKeyHeader carries the API key issued at registration.
	NodeKeyHeader = "X-Node-Key"
)

// AuthMiddleware requires a valid bearer token and stores the principal.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Error(apperrors.NewUnauthorizedError("bearer token required"))
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			message := "invalid token"
			if errors.Is(err, services.ErrExpiredToken) {
				message = "token expired"
			}
			c.Error(apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, message, 401))
			c.Abort()
			return
		}

		principal := claims.Principal()
		c.Set(principalKey, principal)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), string(principal.UserID)))
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireAction rejects principals the gate does not allow to perform action.
func RequireAction(gate ports.AuthGate, action domain.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFrom(c)
		if !ok {
			c.Error(apperrors.NewUnauthorizedError("authentication required"))
			c.Abort()
			return
		}
		if !gate.Authorize(principal, action) {
			c.Error(apperrors.NewForbiddenError("insufficient permissions"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// PrincipalFrom returns the principal stored by AuthMiddleware.
func PrincipalFrom(c *gin.Context) (domain.Principal, bool) {
	v, exists := c.Get(principalKey)
	if !exists {
		return domain.Principal{}, false
	}
	principal, ok := v.(domain.Principal)
	return principal, ok
}

// NodeAuthMiddleware authenticates a media node by the :id path parameter
// and its X-Node-Key header. Unknown nodes and wrong keys look the same to
// the caller.
func NodeAuthMiddleware(nodes ports.NodeDirectory) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID := domain.NodeID(c.Param("id"))
		key := c.GetHeader(NodeKeyHeader)
		if nodeID == "" || key == "" {
			c.Error(apperrors.NewUnauthorizedError("node credentials required"))
			c.Abort()
			return
		}

		if err := nodes.Authenticate(c.Request.Context(), nodeID, key); err != nil {
			if errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrNodeNotFound) {
				c.Error(apperrors.NewUnauthorizedError("invalid node credentials"))
			} else {
				c.Error(err)
			}
			c.Abort()
			return
		}

		c.Set(nodeIDKey, nodeID)
		c.Next()
	}
}

// NodeIDFrom returns the node authenticated by NodeAuthMiddleware.
func NodeIDFrom(c *gin.Context) (domain.NodeID, bool) {
	v, exists := c.Get(nodeIDKey)
	if !exists {
		return "", false
	}
	id, ok := v.(domain.NodeID)
	return id, ok
}
