package domain

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionState(t *testing.T) {
	s := NewSessionState(10)
	assert.NotEmpty(t, s.SessionID())
	assert.Equal(t, 10, s.Token)
	assert.Zero(t, s.NSFWTrust)
	assert.Empty(t, s.LastGeneration)
	assert.NotEqual(t, s.SessionID(), NewSessionState(10).SessionID())
}

func TestSetSessionID(t *testing.T) {
	s := NewSessionState(0)

	assert.ErrorIs(t, s.SetSessionID(42), ErrTypeKind)
	assert.ErrorIs(t, s.SetSessionID(nil), ErrTypeKind)
	assert.ErrorIs(t, s.SetSessionID("  "), ErrTypeKind)

	require.NoError(t, s.SetSessionID("abc"))
	assert.Equal(t, "abc", s.SessionID())
}

func TestGenerationBefore(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := NewSessionState(0)

	assert.False(t, s.GenerationBefore(time.Hour, now), "no stamp")

	s.LastGeneration = "   "
	assert.False(t, s.GenerationBefore(time.Hour, now), "blank stamp")

	s.SaveLastGenerationActivity(now.Add(-2 * time.Hour))
	assert.True(t, s.GenerationBefore(time.Hour, now))
	assert.False(t, s.GenerationBefore(3*time.Hour, now))

	s.LastGeneration = "last tuesday"
	assert.True(t, s.GenerationBefore(time.Hour, now), "unparsable stamp")

	s.ClearLastGeneration()
	assert.Empty(t, s.LastGeneration)
}

func TestEnsureReferenceCode(t *testing.T) {
	s := NewSessionState(0)

	code, created := s.EnsureReferenceCode()
	assert.True(t, created)
	assert.Len(t, code, 12)

	again, created := s.EnsureReferenceCode()
	assert.False(t, created)
	assert.Equal(t, code, again)
}

func TestSessionMapRoundTrip(t *testing.T) {
	s := NewSessionState(7)
	s.NSFWTrust = -3
	s.SaveLastGenerationActivity(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	s.EnsureReferenceCode()
	s.ReferredBy = "friend"

	back, err := SessionFromMap(s.ToMap())
	require.NoError(t, err)
	if diff := cmp.Diff(s.ToMap(), back.ToMap()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionJSON(t *testing.T) {
	s := NewSessionState(4)
	s.NSFWTrust = -1

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var back SessionState
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s.SessionID(), back.SessionID())
	assert.Equal(t, 4, back.Token)
	assert.Equal(t, -1, back.NSFWTrust)
}

func TestSessionFromMap_Malformed(t *testing.T) {
	tests := map[string]map[string]any{
		"nil":           nil,
		"missing id":    {"token": 1},
		"empty id":      {"session_id": ""},
		"numeric id":    {"session_id": 12},
		"string token":  {"session_id": "a", "token": "ten"},
		"fraction":      {"session_id": "a", "nsfw_trust": 1.5},
		"numeric stamp": {"session_id": "a", "last_generation": 12},
		"huge token":    {"session_id": "a", "token": 1e300},
		"huge trust":    {"session_id": "a", "nsfw_trust": -1e300},
		"int64 trust":   {"session_id": "a", "nsfw_trust": int64(math.MinInt64)},
	}
	for name, m := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := SessionFromMap(m)
			assert.ErrorIs(t, err, ErrParseKind)
		})
	}
}

func TestParseSession(t *testing.T) {
	s, err := ParseSession([]byte(`{"session_id":"a","token":3,"nsfw_trust":-2}`))
	require.NoError(t, err)
	assert.Equal(t, "a", s.SessionID())
	assert.Equal(t, 3, s.Token)
	assert.Equal(t, -2, s.NSFWTrust)

	_, err = ParseSession([]byte(`not json`))
	assert.ErrorIs(t, err, ErrParseKind)

	_, err = ParseSession([]byte(`{"session_id":"a","token":1e300,"nsfw_trust":-1e300}`))
	assert.ErrorIs(t, err, ErrParseKind)
}

func TestStyleApply(t *testing.T) {
	assert.Equal(t, "a cat", Style{}.Apply("a cat"))
	assert.Equal(t, "anime art of a cat", Style{Prompt: "anime art of {prompt}"}.Apply("a cat"))
	assert.Equal(t, "a cat, film grain", Style{Prompt: "film grain"}.Apply("a cat"))
	assert.Equal(t, "a, c", JoinNegative("a", " ", "", "c"))
}
