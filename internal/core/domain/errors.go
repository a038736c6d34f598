package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrValidation         = errors.New("validation failed")
	ErrNodeExists         = errors.New("node already registered")
	ErrForbidden          = errors.New("forbidden")
	ErrCameraNotFound     = errors.New("camera not found")
	ErrNodeNotFound       = errors.New("node not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrNodeOffline        = errors.New("node offline")
	ErrNodeCommandFailed  = errors.New("node command failed")
	ErrPeerExists         = errors.New("peer already exists")
	ErrInvalidProfile     = errors.New("invalid profile")
	ErrInvalidStatus      = errors.New("invalid reported status")
	ErrInvalidTransition  = errors.New("invalid session status transition")
	ErrSessionCancelled   = errors.New("session cancelled before start completed")
	ErrIncompletePeer     = errors.New("peer runtime requires both task and transport")
	ErrInvalidRuntimePort = errors.New("invalid rtp port")
)

// NodeCommandError describes why a node did not carry out a command. Reason
// is safe to log: it never contains credentials.
type NodeCommandError struct {
	NodeID  NodeID
	Command CommandType
	Reason  string
	// Cause is the transport error, reachable through errors.Is and
	// errors.As but never rendered: its text may echo camera URLs.
	Cause error
}

func (e *NodeCommandError) Error() string {
	return fmt.Sprintf("node %s: %s failed: %s", e.NodeID, e.Command, e.Reason)
}

// Is makes errors.Is(err, ErrNodeCommandFailed) match.
func (e *NodeCommandError) Is(target error) bool {
	return target == ErrNodeCommandFailed
}

func (e *NodeCommandError) Unwrap() error { return e.Cause }
