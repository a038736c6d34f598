package domain

import "time"

type PeerID string

// PeerTransport is the network side of a real-time peer, usually a WebRTC
// peer connection.
type PeerTransport interface {
	Close() error
}

// StreamingTask is the goroutine pumping media into a transport. Abort only
// signals; it must not wait for the task to finish.
type StreamingTask interface {
	Abort()
}

// PeerRuntime bundles the resources of one real-time peer. Transport and
// Task are owned exclusively by the runtime.
type PeerRuntime struct {
	PeerID    PeerID
	CameraID  CameraID
	Transport PeerTransport
	Task      StreamingTask
	RTPPort   int
	CreatedAt time.Time
}

// NewPeerRuntime refuses to build a runtime missing either handle.
func NewPeerRuntime(peerID PeerID, cameraID CameraID, transport PeerTransport, task StreamingTask, rtpPort int, now time.Time) (*PeerRuntime, error) {
	if transport == nil || task == nil {
		return nil, ErrIncompletePeer
	}
	if rtpPort < 0 || rtpPort > 65535 {
		return nil, ErrInvalidRuntimePort
	}
	return &PeerRuntime{
		PeerID:    peerID,
		CameraID:  cameraID,
		Transport: transport,
		Task:      task,
		RTPPort:   rtpPort,
		CreatedAt: now,
	}, nil
}
