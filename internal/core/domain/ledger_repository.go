package domain

import (
	"context"
	"time"
)

// ReferenceRepository defines the data-access contract for the referral ledger.
// Implementations live in internal/core/repository (Core layer).
type ReferenceRepository interface {
	// Touch creates an empty entry for code if none exists.
	Touch(ctx context.Context, code string) error

	// Accrue adds amount to the un-redeemed credit of code, creating the entry if needed.
	Accrue(ctx context.Context, code string, amount int) error

	// TakeAndClear atomically returns the un-redeemed credit of code and resets it to zero.
	// Unknown codes return 0.
	TakeAndClear(ctx context.Context, code string) (int, error)

	// All returns a snapshot of every entry.
	All(ctx context.Context) (map[string]int, error)
}

// UploadReward records a credit grant for an uploaded image.
type UploadReward struct {
	Token     int       `json:"token"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ProvenanceRepository defines the data-access contract for image provenance:
// which hashes the service generated itself and which uploads were rewarded.
type ProvenanceRepository interface {
	// MarkGenerated records hashes of images produced by the generator.
	MarkGenerated(ctx context.Context, hashes []string) error

	// IsGenerated reports whether hash was produced by the generator.
	IsGenerated(ctx context.Context, hash string) (bool, error)

	// RecordReward stores a reward for hash and session. It returns false and
	// stores nothing when hash has already been rewarded to any session.
	RecordReward(ctx context.Context, hash, sessionID string, reward UploadReward) (bool, error)

	// Rewards returns every reward recorded for hash, keyed by session id.
	Rewards(ctx context.Context, hash string) (map[string]UploadReward, error)

	// Counts returns the number of generated and rewarded hashes.
	Counts(ctx context.Context) (generated, rewarded int, err error)
}

// ImageOutcome is the moderation result for one generated image.
type ImageOutcome struct {
	Index    int        `json:"index"`
	Class    ImageClass `json:"class"`
	Censored bool       `json:"censored"`
	Degraded string     `json:"degraded,omitempty"`
	Hash     string     `json:"hash,omitempty"`
}

// AuditRecord captures one generation for later review.
type AuditRecord struct {
	SessionID      string         `json:"session_id"`
	Prompt         string         `json:"prompt"`
	FinalPrompt    string         `json:"final_prompt"`
	NegativePrompt string         `json:"negative_prompt"`
	Model          string         `json:"model"`
	Count          int            `json:"count"`
	Outcomes       []ImageOutcome `json:"outcomes"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AuditRepository appends audit records.
type AuditRepository interface {
	Append(ctx context.Context, rec AuditRecord) error
}
