package services

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/pkg/clock"
)

const (
	paramToken = "token"
	paramExp   = "exp"
	paramNonce = "nonce"
	nonceBytes = 12

	tokenMarker = "&" + paramToken + "="
)

var errEmptySecret = errors.New("signing secret must not be empty")

// signedURLIssuer signs stream URLs with HMAC-SHA256. Verification needs
// only the secret and the URL.
type signedURLIssuer struct {
	secret []byte
	clock  clock.Clock
}

func NewSignedURLIssuer(secret string, clk clock.Clock) (ports.SignedURLIssuer, error) {
	if secret == "" {
		return nil, errEmptySecret
	}
	if clk == nil {
		clk = clock.New()
	}
	return &signedURLIssuer{secret: []byte(secret), clock: clk}, nil
}

func (s *signedURLIssuer) Issue(rawURL string, expiresAt time.Time) (domain.SignedURL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.SignedURL{}, fmt.Errorf("parse stream url: %w", err)
	}
	if u.Fragment != "" || strings.Contains(rawURL, "#") {
		return domain.SignedURL{}, errors.New("stream url must not carry a fragment")
	}
	q := u.Query()
	for _, reserved := range []string{paramToken, paramExp, paramNonce} {
		if q.Has(reserved) {
			return domain.SignedURL{}, fmt.Errorf("stream url already carries %q", reserved)
		}
	}

	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return domain.SignedURL{}, fmt.Errorf("generate nonce: %w", err)
	}
	// Truncate to whole seconds so the MAC covers exactly what travels.
	exp := expiresAt.Unix()

	sep := "&"
	switch {
	case !strings.Contains(rawURL, "?"):
		sep = "?"
	case strings.HasSuffix(rawURL, "?"), strings.HasSuffix(rawURL, "&"):
		sep = ""
	}
	payload := rawURL + sep + paramExp + "=" + strconv.FormatInt(exp, 10) +
		"&" + paramNonce + "=" + hex.EncodeToString(nonce)
	token := s.mac(payload)

	return domain.SignedURL{
		URL:       payload + tokenMarker + token,
		Token:     token,
		ExpiresAt: time.Unix(exp, 0).UTC(),
	}, nil
}

// Verify recomputes the MAC over every byte preceding the trailing token,
// so any edit to the emitted URL fails, including ones that leave its
// meaning intact.
func (s *signedURLIssuer) Verify(signedURL string) domain.VerifyResult {
	idx := strings.LastIndex(signedURL, tokenMarker)
	if idx < 0 {
		return domain.VerifyInvalidSignature
	}
	payload, token := signedURL[:idx], signedURL[idx+len(tokenMarker):]
	if !hmac.Equal([]byte(s.mac(payload)), []byte(token)) {
		return domain.VerifyInvalidSignature
	}

	u, err := url.Parse(payload)
	if err != nil {
		return domain.VerifyInvalidSignature
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(q[paramExp]) != 1 || len(q[paramNonce]) != 1 {
		return domain.VerifyInvalidSignature
	}
	exp, err := strconv.ParseInt(q.Get(paramExp), 10, 64)
	if err != nil {
		return domain.VerifyInvalidSignature
	}
	if s.clock.Now().After(time.Unix(exp, 0)) {
		return domain.VerifyExpired
	}
	return domain.VerifyOK
}

func (s *signedURLIssuer) mac(payload string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}
