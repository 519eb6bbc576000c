package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReplenishThreshold is the balance at or below which a session qualifies for
// a refill. Initial grants must exceed it.
const ReplenishThreshold = 2

// SessionState is the per-user credit and trust record. It is owned by the
// client and sent back with every request; the service never stores it.
//
// NSFWTrust has no lower bound. Zero or positive means the session may still
// receive explicit output uncensored; negative means it is in penalty.
type SessionState struct {
	sessionID      string
	Token          int    `json:"token"`
	NSFWTrust      int    `json:"nsfw_trust"`
	LastGeneration string `json:"last_generation,omitempty"`
	ReferenceCode  string `json:"reference_code,omitempty"`
	ReferredBy     string `json:"referred_by,omitempty"`
}

// NewSessionState creates a session with a fresh identity and the initial grant.
func NewSessionState(initialGrant int) *SessionState {
	return &SessionState{
		sessionID: uuid.NewString(),
		Token:     initialGrant,
	}
}

// SessionID returns the immutable session identity.
func (s *SessionState) SessionID() string {
	return s.sessionID
}

// SetSessionID assigns the session identity. Only non-empty strings are accepted.
func (s *SessionState) SetSessionID(v any) error {
	id, ok := v.(string)
	if !ok {
		return fmt.Errorf("session_id: got %T: %w", v, ErrTypeKind)
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session_id: empty: %w", ErrTypeKind)
	}
	s.sessionID = id
	return nil
}

// SaveLastGenerationActivity stamps now as the last generation time.
func (s *SessionState) SaveLastGenerationActivity(now time.Time) {
	s.LastGeneration = now.UTC().Format(time.RFC3339)
}

// ClearLastGeneration removes the generation stamp.
func (s *SessionState) ClearLastGeneration() {
	s.LastGeneration = ""
}

// GenerationBefore reports whether the last generation happened more than d ago.
// A missing stamp reports false; a stamp that cannot be parsed reports true.
func (s *SessionState) GenerationBefore(d time.Duration, now time.Time) bool {
	stamp := strings.TrimSpace(s.LastGeneration)
	if stamp == "" {
		return false
	}
	last, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return true
	}
	return now.Sub(last) >= d
}

// LastGenerationTime returns the parsed stamp, if any.
func (s *SessionState) LastGenerationTime() (time.Time, bool) {
	last, err := time.Parse(time.RFC3339, strings.TrimSpace(s.LastGeneration))
	if err != nil {
		return time.Time{}, false
	}
	return last, true
}

// EnsureReferenceCode returns the session's reference code, allocating one on
// first use. created is true when this call mutated the state.
func (s *SessionState) EnsureReferenceCode() (code string, created bool) {
	if s.ReferenceCode != "" {
		return s.ReferenceCode, false
	}
	s.ReferenceCode = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return s.ReferenceCode, true
}

// ToMap flattens the state for transport.
func (s *SessionState) ToMap() map[string]any {
	return map[string]any{
		"session_id":      s.sessionID,
		"token":           s.Token,
		"nsfw_trust":      s.NSFWTrust,
		"last_generation": s.LastGeneration,
		"reference_code":  s.ReferenceCode,
		"referred_by":     s.ReferredBy,
	}
}

// SessionFromMap rebuilds a state from its flat form. Any missing identity or
// mistyped field yields an ErrParseKind error.
func SessionFromMap(m map[string]any) (*SessionState, error) {
	if m == nil {
		return nil, fmt.Errorf("nil map: %w", ErrParseKind)
	}
	s := &SessionState{}
	if err := s.SetSessionID(m["session_id"]); err != nil {
		return nil, fmt.Errorf("session_id: %v: %w", err, ErrParseKind)
	}

	var err error
	if s.Token, err = intField(m, "token"); err != nil {
		return nil, err
	}
	if s.NSFWTrust, err = intField(m, "nsfw_trust"); err != nil {
		return nil, err
	}
	if s.LastGeneration, err = stringField(m, "last_generation"); err != nil {
		return nil, err
	}
	if s.ReferenceCode, err = stringField(m, "reference_code"); err != nil {
		return nil, err
	}
	if s.ReferredBy, err = stringField(m, "referred_by"); err != nil {
		return nil, err
	}
	return s, nil
}

// MarshalJSON encodes the flat form.
func (s *SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.ToMap())
}

// UnmarshalJSON decodes the flat form, see SessionFromMap.
func (s *SessionState) UnmarshalJSON(data []byte) error {
	parsed, err := ParseSession(data)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

// ParseSession decodes a JSON-encoded session.
func ParseSession(data []byte) (*SessionState, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode session: %v: %w", err, ErrParseKind)
	}
	return SessionFromMap(m)
}

// sessionIntLimit bounds token and nsfw_trust so that later arithmetic on
// them cannot overflow.
const sessionIntLimit = math.MaxInt32

func intField(m map[string]any, key string) (int, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, nil
	}
	var i int64
	switch n := v.(type) {
	case int:
		i = int64(n)
	case int32:
		i = int64(n)
	case int64:
		i = n
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, fmt.Errorf("%s: non-integral value %v: %w", key, n, ErrParseKind)
		}
		if n < -sessionIntLimit || n > sessionIntLimit {
			return 0, fmt.Errorf("%s: %v out of range: %w", key, n, ErrParseKind)
		}
		i = int64(n)
	case json.Number:
		var err error
		if i, err = n.Int64(); err != nil {
			return 0, fmt.Errorf("%s: %v: %w", key, err, ErrParseKind)
		}
	default:
		return 0, fmt.Errorf("%s: got %T: %w", key, v, ErrParseKind)
	}
	if i < -sessionIntLimit || i > sessionIntLimit {
		return 0, fmt.Errorf("%s: %d out of range: %w", key, i, ErrParseKind)
	}
	return int(i), nil
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: got %T: %w", key, v, ErrParseKind)
	}
	return str, nil
}
