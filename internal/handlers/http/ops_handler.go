package http

import (
	"net/http"
	"time"

	"vigilnet/internal/core/ports"
	"vigilnet/internal/core/services"
	"vigilnet/internal/infrastructure/monitoring"
	"vigilnet/pkg/clock"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OpsHandler serves liveness, readiness, metrics and the in-process stats.
type OpsHandler struct {
	health       *monitoring.HealthChecker
	stats        *services.MetricsService
	peers        ports.PeerStore
	gatherer     prometheus.Gatherer
	authRequired gin.HandlerFunc
	adminOnly    gin.HandlerFunc
	clock        clock.Clock
	startedAt    time.Time
}

var _ ports.HTTPHandler = (*OpsHandler)(nil)

// NewOpsHandler wires the operational endpoints. A nil gatherer disables
// /metrics and a nil peers store reports zero peers.
func NewOpsHandler(
	health *monitoring.HealthChecker,
	stats *services.MetricsService,
	peers ports.PeerStore,
	gatherer prometheus.Gatherer,
	authRequired, adminOnly gin.HandlerFunc,
	clk clock.Clock,
) *OpsHandler {
	if clk == nil {
		clk = clock.New()
	}
	return &OpsHandler{
		health:       health,
		stats:        stats,
		peers:        peers,
		gatherer:     gatherer,
		authRequired: authRequired,
		adminOnly:    adminOnly,
		clock:        clk,
		startedAt:    clk.Now(),
	}
}

// RegisterRoutes expects the root group: probes live outside /api/v1.
func (h *OpsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/health", h.Health)
	rg.GET("/ready", h.Ready)
	if h.gatherer != nil {
		rg.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
	rg.GET("/api/v1/stats", h.authRequired, h.adminOnly, h.Stats)
}

func (h *OpsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         monitoring.StatusHealthy,
		"uptime_seconds": int(h.clock.Now().Sub(h.startedAt) / time.Second),
	})
}

func (h *OpsHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *OpsHandler) Stats(c *gin.Context) {
	snapshot := h.stats.Snapshot()
	if h.peers != nil {
		snapshot.ActivePeers = h.peers.Count()
	}
	c.JSON(http.StatusOK, snapshot)
}
