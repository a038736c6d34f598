package domain

import (
	"net/url"

	"go.uber.org/zap/zapcore"
)

type CameraID string

const redacted = "[REDACTED]"

// Secret is a string that never renders its value through fmt or zap.
// encoding/json still sees the plain value so it can travel to a node.
type Secret string

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// Reveal returns the plain value. Call sites should be few and obvious.
func (s Secret) Reveal() string { return string(s) }

// Credentials authenticate a node against a camera's RTSP endpoint.
type Credentials struct {
	Username string
	Password Secret
}

func (c Credentials) String() string {
	return "Credentials{Username: " + c.Username + ", Password: " + redacted + "}"
}

func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("username", c.Username)
	enc.AddBool("has_password", c.Password != "")
	return nil
}

// CameraTarget is what the camera directory knows about a camera.
type CameraTarget struct {
	CameraID CameraID
	NodeID   NodeID
	// NodeIP is empty when the bound node is not registered.
	NodeIP      string
	RTSPURL     string
	Credentials Credentials
}

// SanitizeRTSPURL strips userinfo so an RTSP URL can be logged.
func SanitizeRTSPURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	u.User = nil
	return u.String()
}
