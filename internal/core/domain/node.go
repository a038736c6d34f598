package domain

import "time"

type NodeID string

type NodeStatus string

const (
	NodeStatusUnknown NodeStatus = "unknown"
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
)

// ReportedStatus is what a node claims about itself in a heartbeat.
type ReportedStatus string

const (
	ReportedOnline   ReportedStatus = "online"
	ReportedDraining ReportedStatus = "draining"
)

// ParseReportedStatus accepts the statuses a node may send. An empty value
// is treated as online.
func ParseReportedStatus(s string) (ReportedStatus, error) {
	switch ReportedStatus(s) {
	case "", ReportedOnline:
		return ReportedOnline, nil
	case ReportedDraining:
		return ReportedDraining, nil
	default:
		return "", ErrInvalidStatus
	}
}

type Node struct {
	ID             NodeID
	Name           string
	IP             string
	MediaPort      int
	APIKeyHash     string
	Status         NodeStatus
	ReportedStatus ReportedStatus
	LastHeartbeat  time.Time
	RegisteredAt   time.Time
}

// ApplyHeartbeat records a heartbeat received at now. A draining node stays
// reachable but is treated as offline for dispatch.
func (n *Node) ApplyHeartbeat(now time.Time, reported ReportedStatus) {
	n.LastHeartbeat = now
	n.ReportedStatus = reported
	if reported == ReportedDraining {
		n.Status = NodeStatusOffline
		return
	}
	n.Status = NodeStatusOnline
}

// IsStale reports whether the last heartbeat is older than timeout. A node
// that never sent one is measured from registration.
func (n *Node) IsStale(now time.Time, timeout time.Duration) bool {
	last := n.LastHeartbeat
	if last.IsZero() {
		last = n.RegisteredAt
	}
	return now.Sub(last) > timeout
}

// MarkOfflineIfStale flips the node offline when its heartbeat is stale. It
// reports whether the status changed.
func (n *Node) MarkOfflineIfStale(now time.Time, timeout time.Duration) bool {
	if n.Status == NodeStatusOffline || !n.IsStale(now, timeout) {
		return false
	}
	n.Status = NodeStatusOffline
	return true
}

// IsOnline applies the liveness rule at now, independent of the last sweep.
func (n *Node) IsOnline(now time.Time, timeout time.Duration) bool {
	return n.Status == NodeStatusOnline && !n.IsStale(now, timeout)
}

func (n *Node) Clone() *Node {
	c := *n
	return &c
}
