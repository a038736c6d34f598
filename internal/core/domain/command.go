package domain

import "go.uber.org/zap/zapcore"

type CommandType string

const (
	CommandStartLive CommandType = "start_live"
	CommandStopLive  CommandType = "stop_live"
)

// RTPTarget tells a node where to push RTP for a real-time session.
type RTPTarget struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	PayloadType uint8  `json:"payload_type"`
}

type StartLiveCommand struct {
	SessionID SessionID  `json:"session_id"`
	CameraID  CameraID   `json:"camera_id"`
	RTSPURL   string     `json:"rtsp_url"`
	Username  string     `json:"username,omitempty"`
	Password  Secret     `json:"password,omitempty"`
	Profile   string     `json:"profile"`
	RTPTarget *RTPTarget `json:"rtp_target,omitempty"`
}

func (c StartLiveCommand) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("session_id", string(c.SessionID))
	enc.AddString("camera_id", string(c.CameraID))
	enc.AddString("rtsp_url", SanitizeRTSPURL(c.RTSPURL))
	enc.AddString("profile", c.Profile)
	if c.RTPTarget != nil {
		enc.AddInt("rtp_port", c.RTPTarget.Port)
	}
	return nil
}

type StopLiveCommand struct {
	SessionID SessionID `json:"session_id"`
}

// NodeCommand is the envelope carried by every node transport.
type NodeCommand struct {
	Type  CommandType       `json:"type"`
	Start *StartLiveCommand `json:"start,omitempty"`
	Stop  *StopLiveCommand  `json:"stop,omitempty"`
}

func (c NodeCommand) SessionID() SessionID {
	switch {
	case c.Start != nil:
		return c.Start.SessionID
	case c.Stop != nil:
		return c.Stop.SessionID
	}
	return ""
}

func (c NodeCommand) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", string(c.Type))
	if c.Start != nil {
		return enc.AddObject("start", c.Start)
	}
	if c.Stop != nil {
		enc.AddString("session_id", string(c.Stop.SessionID))
	}
	return nil
}

// NodeResponse is a node's reply. A non-empty Code means failure.
type NodeResponse struct {
	StreamURL string `json:"stream_url,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (r NodeResponse) OK() bool { return r.Code == "" }
