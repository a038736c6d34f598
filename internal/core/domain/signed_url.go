package domain

import "time"

type SignedURL struct {
	URL       string
	Token     string
	ExpiresAt time.Time
}

type VerifyResult int

const (
	VerifyOK VerifyResult = iota
	VerifyExpired
	VerifyInvalidSignature
	// VerifyRevoked means the signature is valid but the session has ended.
	VerifyRevoked
)

func (r VerifyResult) String() string {
	switch r {
	case VerifyOK:
		return "ok"
	case VerifyExpired:
		return "expired"
	case VerifyRevoked:
		return "revoked"
	default:
		return "invalid_signature"
	}
}
