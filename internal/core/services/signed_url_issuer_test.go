package services

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/pkg/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var issuerEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestIssuer(t *testing.T) (*signedURLIssuer, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(issuerEpoch)
	iss, err := NewSignedURLIssuer("test-signing-secret-0123456789", clk)
	require.NoError(t, err)
	return iss.(*signedURLIssuer), clk
}

func TestSignedURL_RoundTrip(t *testing.T) {
	iss, clk := newTestIssuer(t)
	expiresAt := issuerEpoch.Add(10 * time.Minute)

	signed, err := iss.Issue("https://node-a.local:8443/live/cam-1/index.m3u8?quality=high&sid=abc", expiresAt)
	require.NoError(t, err)

	assert.True(t, expiresAt.Equal(signed.ExpiresAt))
	u, err := url.Parse(signed.URL)
	require.NoError(t, err)
	assert.Equal(t, signed.Token, u.Query().Get("token"))
	assert.Equal(t, "high", u.Query().Get("quality"))
	assert.NotEmpty(t, u.Query().Get("exp"))

	assert.Equal(t, domain.VerifyOK, iss.Verify(signed.URL))

	clk.Set(expiresAt)
	assert.Equal(t, domain.VerifyOK, iss.Verify(signed.URL), "valid up to and including expiresAt")

	clk.Advance(time.Second)
	assert.Equal(t, domain.VerifyExpired, iss.Verify(signed.URL))
}

func TestSignedURL_ExpiryNeverExceedsRequested(t *testing.T) {
	iss, _ := newTestIssuer(t)
	requested := issuerEpoch.Add(90*time.Second + 700*time.Millisecond)

	signed, err := iss.Issue("https://node-a.local/live.m3u8", requested)
	require.NoError(t, err)
	assert.False(t, signed.ExpiresAt.After(requested))
}

func TestSignedURL_AnyTokenCharacterFlipFails(t *testing.T) {
	iss, _ := newTestIssuer(t)
	signed, err := iss.Issue("https://node-a.local/live/cam-1.m3u8", issuerEpoch.Add(time.Hour))
	require.NoError(t, err)

	for i := range signed.Token {
		for _, repl := range []byte{'0', 'f', 'A', 'z'} {
			if signed.Token[i] == repl {
				continue
			}
			tampered := []byte(signed.Token)
			tampered[i] = repl
			forged := strings.Replace(signed.URL, "token="+signed.Token, "token="+string(tampered), 1)
			require.NotEqual(t, signed.URL, forged)
			assert.Equal(t, domain.VerifyInvalidSignature, iss.Verify(forged), "position %d -> %q", i, repl)
		}
	}
}

func TestSignedURL_TamperingFails(t *testing.T) {
	iss, _ := newTestIssuer(t)
	signed, err := iss.Issue("https://node-a.local/live/cam-1.m3u8?sid=s-1", issuerEpoch.Add(time.Hour))
	require.NoError(t, err)

	u, _ := url.Parse(signed.URL)
	q := u.Query()

	cases := map[string]func() string{
		"path": func() string {
			return strings.Replace(signed.URL, "cam-1", "cam-2", 1)
		},
		"host": func() string {
			return strings.Replace(signed.URL, "node-a", "node-b", 1)
		},
		"session id": func() string {
			return strings.Replace(signed.URL, "sid=s-1", "sid=s-2", 1)
		},
		"extended exp": func() string {
			exp := q.Get("exp")
			return strings.Replace(signed.URL, "exp="+exp, "exp="+exp+"0", 1)
		},
		"exp with plus sign": func() string {
			exp := q.Get("exp")
			return strings.Replace(signed.URL, "exp="+exp, "exp=%2B"+exp, 1)
		},
		"nonce": func() string {
			n := q.Get("nonce")
			return strings.Replace(signed.URL, "nonce="+n, "nonce="+strings.Repeat("0", len(n)), 1)
		},
		"extra param": func() string { return signed.URL + "&admin=1" },
		"duplicate token": func() string {
			return signed.URL + "&token=" + signed.Token
		},
		"missing token": func() string {
			return strings.Replace(signed.URL, "token="+signed.Token, "", 1)
		},
		"garbage": func() string { return "%zz" },
		"scheme case": func() string {
			return strings.Replace(signed.URL, "https://", "Https://", 1)
		},
		"percent-encoded value": func() string {
			return strings.Replace(signed.URL, "sid=s-1", "sid=%73-1", 1)
		},
		"reordered params": func() string {
			base, _, _ := strings.Cut(signed.URL, "?")
			params := strings.Split(u.RawQuery, "&")
			token := params[len(params)-1]
			rest := params[:len(params)-1]
			for i, j := 0, len(rest)-1; i < j; i, j = i+1, j-1 {
				rest[i], rest[j] = rest[j], rest[i]
			}
			return base + "?" + strings.Join(rest, "&") + "&" + token
		},
		"uppercase token": func() string {
			return strings.Replace(signed.URL, signed.Token, strings.ToUpper(signed.Token), 1)
		},
	}

	for name, forge := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, domain.VerifyInvalidSignature, iss.Verify(forge()))
		})
	}
}

func TestSignedURL_TokenIsLastParam(t *testing.T) {
	iss, _ := newTestIssuer(t)
	for _, raw := range []string{
		"https://node-a.local/x",
		"https://node-a.local/x?",
		"https://node-a.local/x?sid=s-1",
		"https://node-a.local/x?sid=s-1&",
	} {
		signed, err := iss.Issue(raw, issuerEpoch.Add(time.Minute))
		require.NoError(t, err, raw)
		assert.True(t, strings.HasPrefix(signed.URL, raw), raw)
		assert.True(t, strings.HasSuffix(signed.URL, "&token="+signed.Token), raw)
		assert.Equal(t, domain.VerifyOK, iss.Verify(signed.URL), raw)
	}

	_, err := iss.Issue("https://node-a.local/x#frag", issuerEpoch.Add(time.Minute))
	assert.Error(t, err)
}

func TestSignedURL_DifferentSecretRejects(t *testing.T) {
	iss, clk := newTestIssuer(t)
	other, err := NewSignedURLIssuer("another-secret-entirely-000000", clk)
	require.NoError(t, err)

	signed, err := iss.Issue("https://node-a.local/x", issuerEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyInvalidSignature, other.Verify(signed.URL))
}

func TestSignedURL_NoncesDiffer(t *testing.T) {
	iss, _ := newTestIssuer(t)
	a, err := iss.Issue("https://node-a.local/x", issuerEpoch.Add(time.Minute))
	require.NoError(t, err)
	b, err := iss.Issue("https://node-a.local/x", issuerEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, a.Token, b.Token)
}

func TestSignedURL_RejectsReservedParams(t *testing.T) {
	iss, _ := newTestIssuer(t)
	_, err := iss.Issue("https://node-a.local/x?token=abc", issuerEpoch.Add(time.Minute))
	assert.Error(t, err)

	_, err = NewSignedURLIssuer("", nil)
	assert.Error(t, err)
}
