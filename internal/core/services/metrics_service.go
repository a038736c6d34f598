package services

import (
	"sync"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
)

// MetricsService is an in-process MetricsRecorder. It backs the stats
// endpoint when Prometheus is disabled and lets tests assert on counters.
type MetricsService struct {
	mu sync.RWMutex

	sessionTransitions map[domain.SessionStatus]int
	activeSessions     int
	commandOutcomes    map[domain.CommandType]map[string]int
	commandLatency     map[domain.CommandType]time.Duration
	nodesByStatus      map[domain.NodeStatus]int
	activePeers        int
	verifications      map[domain.VerifyResult]int
}

var _ ports.MetricsRecorder = (*MetricsService)(nil)

func NewMetricsService() *MetricsService {
	return &MetricsService{
		sessionTransitions: make(map[domain.SessionStatus]int),
		commandOutcomes:    make(map[domain.CommandType]map[string]int),
		commandLatency:     make(map[domain.CommandType]time.Duration),
		nodesByStatus:      make(map[domain.NodeStatus]int),
		verifications:      make(map[domain.VerifyResult]int),
	}
}

func (m *MetricsService) RecordSessionTransition(to domain.SessionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionTransitions[to]++
}

func (m *MetricsService) SetActiveSessions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeSessions = n
}

func (m *MetricsService) RecordNodeCommand(command domain.CommandType, outcome string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commandOutcomes[command] == nil {
		m.commandOutcomes[command] = make(map[string]int)
	}
	m.commandOutcomes[command][outcome]++
	m.commandLatency[command] += duration
}

func (m *MetricsService) SetNodesByStatus(counts map[domain.NodeStatus]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodesByStatus = make(map[domain.NodeStatus]int, len(counts))
	for k, v := range counts {
		m.nodesByStatus[k] = v
	}
}

func (m *MetricsService) SetActivePeers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activePeers = n
}

func (m *MetricsService) RecordSignedURLVerification(result domain.VerifyResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications[result]++
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	SessionTransitions map[domain.SessionStatus]int          `json:"session_transitions"`
	ActiveSessions     int                                   `json:"active_sessions"`
	CommandOutcomes    map[domain.CommandType]map[string]int `json:"command_outcomes"`
	NodesByStatus      map[domain.NodeStatus]int             `json:"nodes_by_status"`
	ActivePeers        int                                   `json:"active_peers"`
	Verifications      map[string]int                        `json:"signed_url_verifications"`
	Timestamp          time.Time                             `json:"timestamp"`
}

func (m *MetricsService) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		SessionTransitions: make(map[domain.SessionStatus]int, len(m.sessionTransitions)),
		ActiveSessions:     m.activeSessions,
		CommandOutcomes:    make(map[domain.CommandType]map[string]int, len(m.commandOutcomes)),
		NodesByStatus:      make(map[domain.NodeStatus]int, len(m.nodesByStatus)),
		ActivePeers:        m.activePeers,
		Verifications:      make(map[string]int, len(m.verifications)),
		Timestamp:          time.Now(),
	}
	for k, v := range m.sessionTransitions {
		snap.SessionTransitions[k] = v
	}
	for cmd, outcomes := range m.commandOutcomes {
		copied := make(map[string]int, len(outcomes))
		for k, v := range outcomes {
			copied[k] = v
		}
		snap.CommandOutcomes[cmd] = copied
	}
	for k, v := range m.nodesByStatus {
		snap.NodesByStatus[k] = v
	}
	for k, v := range m.verifications {
		snap.Verifications[k.String()] = v
	}
	return snap
}

// CommandCount returns how many times command finished with outcome.
func (m *MetricsService) CommandCount(command domain.CommandType, outcome string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commandOutcomes[command][outcome]
}
