package monitoring

import (
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var nodeStatuses = []domain.NodeStatus{
	domain.NodeStatusUnknown,
	domain.NodeStatusOnline,
	domain.NodeStatusOffline,
}

type PrometheusCollector struct {
	activeSessions prometheus.Gauge
	activePeers    prometheus.Gauge

	sessionTransitions *prometheus.CounterVec
	nodeCommands       *prometheus.CounterVec
	verifications      *prometheus.CounterVec
	nodesByStatus      *prometheus.GaugeVec

	nodeCommandDuration *prometheus.HistogramVec
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers every metric on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vigilnet_sessions_active",
			Help: "Live sessions currently active",
		}),

		activePeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vigilnet_webrtc_peers_active",
			Help: "Real-time peers held by this instance",
		}),

		sessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigilnet_session_transitions_total",
			Help: "Session status transitions by target status",
		}, []string{"status"}),

		nodeCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigilnet_node_commands_total",
			Help: "Commands dispatched to nodes by type and outcome",
		}, []string{"command", "outcome"}),

		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigilnet_signed_url_verifications_total",
			Help: "Signed URL verifications by result",
		}, []string{"result"}),

		nodesByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vigilnet_nodes",
			Help: "Registered nodes by status as of the last health sweep",
		}, []string{"status"}),

		nodeCommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vigilnet_node_command_duration_seconds",
			Help:    "Round trip time of node commands",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"command"}),
	}
}

func (p *PrometheusCollector) RecordSessionTransition(to domain.SessionStatus) {
	p.sessionTransitions.WithLabelValues(string(to)).Inc()
}

func (p *PrometheusCollector) SetActiveSessions(n int) {
	p.activeSessions.Set(float64(n))
}

func (p *PrometheusCollector) RecordNodeCommand(command domain.CommandType, outcome string, duration time.Duration) {
	p.nodeCommands.WithLabelValues(string(command), outcome).Inc()
	if duration > 0 {
		p.nodeCommandDuration.WithLabelValues(string(command)).Observe(duration.Seconds())
	}
}

// SetNodesByStatus overwrites every status so a status that dropped to zero
// nodes does not keep its last value.
func (p *PrometheusCollector) SetNodesByStatus(counts map[domain.NodeStatus]int) {
	for _, status := range nodeStatuses {
		p.nodesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (p *PrometheusCollector) SetActivePeers(n int) {
	p.activePeers.Set(float64(n))
}

func (p *PrometheusCollector) RecordSignedURLVerification(result domain.VerifyResult) {
	p.verifications.WithLabelValues(result.String()).Inc()
}

// MultiRecorder forwards every observation to each recorder in turn.
type MultiRecorder []ports.MetricsRecorder

var _ ports.MetricsRecorder = MultiRecorder(nil)

func (m MultiRecorder) RecordSessionTransition(to domain.SessionStatus) {
	for _, r := range m {
		r.RecordSessionTransition(to)
	}
}

func (m MultiRecorder) SetActiveSessions(n int) {
	for _, r := range m {
		r.SetActiveSessions(n)
	}
}

func (m MultiRecorder) RecordNodeCommand(command domain.CommandType, outcome string, duration time.Duration) {
	for _, r := range m {
		r.RecordNodeCommand(command, outcome, duration)
	}
}

func (m MultiRecorder) SetNodesByStatus(counts map[domain.NodeStatus]int) {
	for _, r := range m {
		r.SetNodesByStatus(counts)
	}
}

func (m MultiRecorder) SetActivePeers(n int) {
	for _, r := range m {
		r.SetActivePeers(n)
	}
}

func (m MultiRecorder) RecordSignedURLVerification(result domain.VerifyResult) {
	for _, r := range m {
		r.RecordSignedURLVerification(result)
	}
}
