package middleware

import (
	"context"
	"errors"
	"net/http"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/services"
	"vigilnet/pkg/circuitbreaker"
	apperrors "vigilnet/pkg/errors"
	"vigilnet/pkg/logger"
	"vigilnet/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestIDHeader is echoed on every response so a client can quote it.
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware attaches a correlation id to the request context.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = utils.GenerateRequestID()
		}
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// MapError translates a domain or service error into the response the
// client sees. Internal details only ever reach the Cause.
func MapError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidProfile),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInvalidRuntimePort):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, services.ErrInvalidToken),
		errors.Is(err, services.ErrExpiredToken):
		return apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, domain.ErrForbidden):
		return apperrors.WrapError(err, apperrors.ErrCodeForbidden, "forbidden", http.StatusForbidden)
	case errors.Is(err, domain.ErrCameraNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "camera not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrNodeNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "node not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "session not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrPeerNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "peer not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrNodeExists),
		errors.Is(err, domain.ErrPeerExists),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrSessionCancelled):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrNodeOffline):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "node offline", http.StatusServiceUnavailable)
	case errors.Is(err, circuitbreaker.ErrOpen):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "node temporarily unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrNodeCommandFailed):
		return apperrors.WrapError(err, apperrors.ErrCodeBadGateway, "node command failed", http.StatusBadGateway)
	case errors.Is(err, context.Canceled):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "request cancelled", http.StatusServiceUnavailable)
	}
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal server error", http.StatusInternalServerError)
}

// ErrorHandlerMiddleware renders the last error a handler attached.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		appErr := MapError(err)
		requestID := logger.RequestID(c.Request.Context())

		fields := []interface{}{
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.FullPath(),
			"method", c.Request.Method,
			"error", err.Error(),
		}
		reqLog := logger.For(c.Request.Context(), log)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			reqLog.Errorw("request failed", fields...)
		} else {
			reqLog.Debugw("request rejected", fields...)
		}

		body := gin.H{
			"error":      string(appErr.Code),
			"message":    appErr.Message,
			"request_id": requestID,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		if appErr.IsRetryable() {
			body["retryable"] = true
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				requestID := logger.RequestID(c.Request.Context())
				logger.For(c.Request.Context(), log).Errorw("panic recovered",
					"panic", rec,
					"path", c.FullPath(),
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":      string(apperrors.ErrCodeInternal),
					"message":    "internal server error",
					"request_id": requestID,
				})
			}
		}()

		c.Next()
	}
}
