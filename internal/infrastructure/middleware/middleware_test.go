package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/services"
	"vigilnet/internal/infrastructure/repositories/memory"
	"vigilnet/pkg/circuitbreaker"
	"vigilnet/pkg/clock"
	apperrors "vigilnet/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestIDMiddleware(), RecoveryMiddleware(zap.NewNop().Sugar()), ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	return router
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: name is required", domain.ErrValidation), http.StatusBadRequest},
		{domain.ErrInvalidProfile, http.StatusBadRequest},
		{services.ErrExpiredToken, http.StatusUnauthorized},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrCameraNotFound, http.StatusNotFound},
		{fmt.Errorf("lookup: %w", domain.ErrSessionNotFound), http.StatusNotFound},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrNodeOffline, http.StatusServiceUnavailable},
		{circuitbreaker.ErrOpen, http.StatusServiceUnavailable},
		{&domain.NodeCommandError{NodeID: "n1", Command: domain.CommandStartLive, Reason: "boom"}, http.StatusBadGateway},
		{&domain.NodeCommandError{NodeID: "n1", Command: domain.CommandStartLive, Reason: "circuit breaker open", Cause: fmt.Errorf("%w (state open)", circuitbreaker.ErrOpen)}, http.StatusServiceUnavailable},
		{apperrors.NewConflictError("taken"), http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, MapError(tt.err).HTTPStatus)
		})
	}
}

func TestErrorHandler_HidesInternalDetails(t *testing.T) {
	router := newRouter()
	router.GET("/fail", func(c *gin.Context) {
		c.Error(errors.New("redis: connection refused to 10.0.0.9"))
	})
	router.GET("/node", func(c *gin.Context) {
		c.Error(&domain.NodeCommandError{NodeID: "n1", Command: domain.CommandStartLive, Reason: "rtsp 401"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/fail", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
	body := decode(t, w)
	assert.Equal(t, "internal server error", body["message"])
	assert.Equal(t, "req-42", body["request_id"])
	assert.NotContains(t, w.Body.String(), "10.0.0.9")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/node", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "rtsp 401")
	assert.Equal(t, true, decode(t, w)["retryable"])
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRecovery(t *testing.T) {
	router := newRouter()
	router.GET("/panic", func(c *gin.Context) { panic("nil map") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "nil map")
}

func TestAuthMiddleware(t *testing.T) {
	clk := clock.NewFake(time.Now())
	auth := services.NewAuthService("test-secret", time.Minute, clk)
	gate := services.NewRoleGate()

	router := newRouter()
	api := router.Group("/", AuthMiddleware(auth))
	api.GET("/me", func(c *gin.Context) {
		principal, ok := PrincipalFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"user_id": principal.UserID, "role": principal.Role})
	})
	api.GET("/admin", RequireAction(gate, domain.ActionManageNodes), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	call := func(path, header string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, call("/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call("/me", "Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, call("/me", "Bearer not-a-jwt").Code)

	viewer, err := auth.GenerateToken("u1", domain.RoleViewer)
	require.NoError(t, err)
	w := call("/me", "Bearer "+viewer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", decode(t, w)["user_id"])
	assert.Equal(t, http.StatusForbidden, call("/admin", "Bearer "+viewer).Code)

	admin, err := auth.GenerateToken("root", domain.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, call("/admin", "bearer "+admin).Code)

	clk.Advance(2 * time.Minute)
	expired := call("/me", "Bearer "+viewer)
	assert.Equal(t, http.StatusUnauthorized, expired.Code)
	assert.Equal(t, "token expired", decode(t, expired)["message"])
}

func TestNodeAuthMiddleware(t *testing.T) {
	directory := services.NewNodeDirectory(
		memory.NewMemoryNodeRepository(),
		services.NodeDirectoryConfig{HeartbeatInterval: time.Second, HeartbeatTimeout: 3 * time.Second},
		clock.NewFake(time.Now()),
		nil,
		zap.NewNop().Sugar(),
	)
	reg, err := directory.Register(context.Background(), "edge-1", "10.0.0.5", 8554)
	require.NoError(t, err)

	router := newRouter()
	router.POST("/nodes/:id/heartbeat", NodeAuthMiddleware(directory), func(c *gin.Context) {
		id, ok := NodeIDFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, string(id))
	})

	call := func(id, key string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/nodes/"+id+"/heartbeat", nil)
		if key != "" {
			req.Header.Set(NodeKeyHeader, key)
		}
		router.ServeHTTP(w, req)
		return w
	}

	ok := call(string(reg.NodeID), reg.APIKey)
	assert.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, string(reg.NodeID), ok.Body.String())

	assert.Equal(t, http.StatusUnauthorized, call(string(reg.NodeID), "").Code)
	wrong := call(string(reg.NodeID), "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	unknown := call("missing", reg.APIKey)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, decode(t, wrong)["message"], decode(t, unknown)["message"])
	assert.NotContains(t, wrong.Body.String(), reg.APIKey)
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORSMiddleware([]string{"https://console.example.com/"}))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	preflight := httptest.NewRequest(http.MethodOptions, "/x", nil)
	preflight.Header.Set("Origin", "https://console.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, preflight)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	denied := httptest.NewRequest(http.MethodOptions, "/x", nil)
	denied.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, denied)
	assert.Equal(t, http.StatusForbidden, w.Code)

	plain := httptest.NewRequest(http.MethodGet, "/x", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, plain)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
