package bookingapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSession(t *testing.T) {
	exp := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	session, err := ParseSession(signedToken(t, exp))
	require.NoError(t, err)
	assert.True(t, session.ExpiresAt.Equal(exp))
	assert.False(t, session.Expired(exp.Add(-time.Minute)))
	assert.True(t, session.Expired(exp))
	assert.Equal(t, time.Minute, session.ExpiresIn(exp.Add(-time.Minute)))
	assert.Zero(t, session.ExpiresIn(exp.Add(time.Minute)))
}

func TestParseSessionRejectsOpaqueTokens(t *testing.T) {
	_, err := ParseSession("not-a-jwt")
	assert.Error(t, err)
	_, err = ParseSession("")
	assert.Error(t, err)
}

func TestSessionWithoutExpiry(t *testing.T) {
	s := &Session{AccessToken: "opaque"}
	assert.False(t, s.Expired(time.Now()))
	var missing *Session
	assert.True(t, missing.Expired(time.Now()))
}
