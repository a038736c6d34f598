package domain

import (
	"fmt"
	"time"
)

type SessionID string

type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionError   SessionStatus = "error"
)

// ProfileWebRTC is the profile used for sessions backed by a local peer.
const ProfileWebRTC = "webrtc"

var allowedTransitions = map[SessionStatus][]SessionStatus{
	// Pending -> Expired covers a stop that lands before the start resolves.
	SessionPending: {SessionActive, SessionError, SessionExpired},
	SessionActive:  {SessionExpired, SessionError},
}

func (s SessionStatus) IsTerminal() bool {
	return s == SessionExpired || s == SessionError
}

// CanTransition reports whether from -> to is a forward move.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type LiveSession struct {
	ID        SessionID
	UserID    UserID
	CameraID  CameraID
	NodeID    NodeID
	Profile   string
	StreamURL string
	Status    SessionStatus
	// Reason holds a short, log-safe explanation for the Error status.
	Reason    string
	PeerID    PeerID
	StartedAt time.Time
	ExpiresAt time.Time
	EndedAt   time.Time
}

// TransitionTo moves the session forward. Terminal sessions are immutable.
func (s *LiveSession) TransitionTo(to SessionStatus, at time.Time) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	if to.IsTerminal() {
		s.EndedAt = at
	}
	return nil
}

// IsExpired reports whether an active session outlived its deadline.
func (s *LiveSession) IsExpired(now time.Time) bool {
	return s.Status == SessionActive && now.After(s.ExpiresAt)
}

func (s *LiveSession) Clone() *LiveSession {
	c := *s
	return &c
}

// SessionEventType names changes broadcast to other control-plane instances.
type SessionEventType string

const SessionEventEnded SessionEventType = "session.ended"

type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	SessionID SessionID        `json:"session_id,omitempty"`
	PeerID    PeerID           `json:"peer_id,omitempty"`
	Origin    string           `json:"origin"`
	Timestamp time.Time        `json:"timestamp"`
}
