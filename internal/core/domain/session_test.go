package domain

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []SessionStatus{SessionPending, SessionActive, SessionExpired, SessionError}

func rank(s SessionStatus) int {
	switch s {
	case SessionPending:
		return 0
	case SessionActive:
		return 1
	default:
		return 2
	}
}

func TestSessionTransitions_OnlyForward(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 2000; i++ {
		s := &LiveSession{ID: "s", Status: SessionPending}
		for step := 0; step < 8; step++ {
			before := s.Status
			to := allStatuses[rng.Intn(len(allStatuses))]
			err := s.TransitionTo(to, now)

			if err != nil {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, before, s.Status, "failed transition must not mutate")
				continue
			}
			require.Greater(t, rank(s.Status), rank(before), "%s -> %s went backward", before, to)
			if before.IsTerminal() {
				t.Fatalf("terminal status %s changed to %s", before, to)
			}
		}
	}
}

func TestSessionTransitions_TerminalIsImmutable(t *testing.T) {
	for _, terminal := range []SessionStatus{SessionExpired, SessionError} {
		for _, to := range allStatuses {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestSessionTransitions_SetsEndedAt(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := &LiveSession{Status: SessionPending}

	require.NoError(t, s.TransitionTo(SessionActive, now))
	assert.True(t, s.EndedAt.IsZero())

	require.NoError(t, s.TransitionTo(SessionExpired, now.Add(time.Minute)))
	assert.Equal(t, now.Add(time.Minute), s.EndedAt)
}

func TestLiveSession_IsExpired(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	s := &LiveSession{Status: SessionActive, ExpiresAt: start.Add(60 * time.Second)}

	assert.False(t, s.IsExpired(start.Add(60*time.Second)))
	assert.True(t, s.IsExpired(start.Add(61*time.Second)))

	s.Status = SessionPending
	assert.False(t, s.IsExpired(start.Add(time.Hour)), "only active sessions expire via sweep")
}
