package v1

import (
	"time"

	"github.com/duynhne/imagegen-service/internal/core/domain"
)

// ReplenishThreshold is the balance at or below which a session qualifies for a refill.
const ReplenishThreshold = domain.ReplenishThreshold

// MaxEnhanceAttempts bounds the prompt enhancement loop.
const MaxEnhanceAttempts = 3

// CreditPolicy configures the credit ledger.
type CreditPolicy struct {
	Enforced               bool
	InitialGrant           int
	Wait                   time.Duration
	ReferralEnabled        bool
	ReferralCreditPerImage int
	UploadReward           int
}

// ModerationPolicy configures both moderation stages.
type ModerationPolicy struct {
	NSFWEnabled bool
	// MaxNSFWWarnings is the trust floor; it is never positive.
	MaxNSFWWarnings  int
	ImageThreshold   float64
	CensorMethod     domain.CensorMethod
	CensorPadding    int
	FailClosed       bool
	Concurrency      int
	EnhanceMaxLength int
}

// BelowFloor reports whether trust has fallen under the configured floor.
func (p ModerationPolicy) BelowFloor(trust int) bool {
	return trust < p.MaxNSFWWarnings
}
