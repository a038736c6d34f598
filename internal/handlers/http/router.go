package http

import (
	"vigilnet/internal/core/ports"
	"vigilnet/internal/infrastructure/middleware"
	apperrors "vigilnet/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// APIPrefix is where every versioned route lives.
const APIPrefix = "/api/v1"

type RouterOptions struct {
	// Middleware runs after the request id, recovery and error handling
	// chain, e.g. tracing and rate limiting.
	Middleware []gin.HandlerFunc
	// Root handlers mount on the engine itself.
	Root []ports.HTTPHandler
	// API handlers mount under APIPrefix.
	API []ports.HTTPHandler
}

func NewRouter(logger *zap.SugaredLogger, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.AccessLogMiddleware(logger),
		middleware.RecoveryMiddleware(logger),
		middleware.ErrorHandlerMiddleware(logger),
	)
	router.Use(opts.Middleware...)

	router.NoRoute(func(c *gin.Context) {
		c.Error(apperrors.NewNotFoundError("route"))
	})

	for _, h := range opts.Root {
		h.RegisterRoutes(&router.RouterGroup)
	}
	api := router.Group(APIPrefix)
	for _, h := range opts.API {
		h.RegisterRoutes(api)
	}
	return router
}
