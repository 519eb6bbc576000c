package v1

import (
	"context"
	"fmt"
	"image"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/duynhne/imagegen-service/internal/core/domain"
	"github.com/duynhne/imagegen-service/internal/core/imagehash"
	"github.com/duynhne/imagegen-service/middleware"
)

// Credit grant sources reported to metrics.
const (
	GrantRefill   = "refill"
	GrantReferral = "referral"
	GrantUpload   = "upload"
)

const uploadRewardMessage = "Thanks for contributing a training image"

// CheckReplenishment refills state to initialGrant when its balance is at or
// below ReplenishThreshold and the last generation is at least wait old. The
// generation stamp is cleared on refill. It returns the credits granted.
func CheckReplenishment(state *domain.SessionState, wait time.Duration, initialGrant int, now time.Time) int {
	if state.Token > ReplenishThreshold || !state.GenerationBefore(wait, now) {
		return 0
	}
	granted := max(initialGrant-state.Token, 0)
	if granted > 0 {
		state.Token = initialGrant
	}
	state.ClearLastGeneration()
	return granted
}

// CreditLedger applies credit rules to session state. It does not lock;
// callers serialize mutations of one session (see SessionLocks).
type CreditLedger struct {
	policy     CreditPolicy
	references domain.ReferenceRepository
	provenance domain.ProvenanceRepository
	metrics    domain.Metrics
	now        func() time.Time
}

// NewCreditLedger creates a CreditLedger.
func NewCreditLedger(policy CreditPolicy, references domain.ReferenceRepository, provenance domain.ProvenanceRepository, metrics domain.Metrics) *CreditLedger {
	return &CreditLedger{
		policy:     policy,
		references: references,
		provenance: provenance,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Policy returns the ledger configuration.
func (l *CreditLedger) Policy() CreditPolicy {
	return l.policy
}

// CheckReplenishment applies the refill rule with the configured wait and grant.
func (l *CreditLedger) CheckReplenishment(state *domain.SessionState) int {
	granted := CheckReplenishment(state, l.policy.Wait, l.policy.InitialGrant, l.now())
	l.metrics.AddCreditGrant(GrantRefill, granted)
	return granted
}

// ClampRequest returns how many of the requested images the session may
// generate. With enforcement on, a balance between zero and the request is
// clamped to the balance; a balance of zero or less is rejected with an
// *InsufficientCreditError.
func (l *CreditLedger) ClampRequest(state *domain.SessionState, requested int) (int, error) {
	if !l.policy.Enforced {
		return requested, nil
	}
	if state.Token > 0 && state.Token < requested {
		return state.Token, nil
	}
	if state.Token < requested {
		return 0, &InsufficientCreditError{
			Token:         state.Token,
			Requested:     requested,
			WaitRemaining: l.WaitRemaining(state),
		}
	}
	return requested, nil
}

// WaitRemaining is the time left until the session qualifies for a refill.
// Sessions without a generation stamp report the full wait.
func (l *CreditLedger) WaitRemaining(state *domain.SessionState) time.Duration {
	last, ok := state.LastGenerationTime()
	if !ok {
		if state.LastGeneration != "" {
			return 0
		}
		return l.policy.Wait
	}
	return max(l.policy.Wait-l.now().Sub(last), 0)
}

// Debit subtracts n from the balance. The balance is not floored at zero.
func (l *CreditLedger) Debit(state *domain.SessionState, n int) {
	state.Token -= n
}

// CreditFromReference redeems everything accrued on the session's reference
// code: the full amount goes to the balance and half of it to trust. The
// ledger entry is read and zeroed in one step, so a second call returns 0
// until new referred activity accrues.
func (l *CreditLedger) CreditFromReference(ctx context.Context, state *domain.SessionState) (int, error) {
	ctx, span := middleware.StartSpan(ctx, "ledger.credit_from_reference", trace.WithAttributes(
		attribute.String("layer", "logic"),
	))
	defer span.End()

	if !l.policy.ReferralEnabled {
		return 0, ErrReferralDisabled
	}
	if state.ReferenceCode == "" {
		return 0, nil
	}

	amount, err := l.references.TakeAndClear(ctx, state.ReferenceCode)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("redeem reference %q: %w", state.ReferenceCode, err)
	}
	if amount <= 0 {
		return 0, nil
	}

	state.Token += amount
	state.NSFWTrust += amount / 2
	l.metrics.AddCreditGrant(GrantReferral, amount)

	span.SetAttributes(attribute.Int("referral.amount", amount))
	return amount, nil
}

// VisitReference creates the ledger entry for code if it does not exist yet.
func (l *CreditLedger) VisitReference(ctx context.Context, code string) error {
	if code == "" || !l.policy.ReferralEnabled {
		return nil
	}
	if err := l.references.Touch(ctx, code); err != nil {
		return fmt.Errorf("touch reference %q: %w", code, err)
	}
	return nil
}

// PendingReferrals returns the number of reference codes and the sum of their
// un-redeemed credits.
func (l *CreditLedger) PendingReferrals(ctx context.Context) (codes, credits int, err error) {
	all, err := l.references.All(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list references: %w", err)
	}
	for _, n := range all {
		credits += n
	}
	return len(all), credits, nil
}

// AccrueReferral credits the referrer of state for images generated by it.
func (l *CreditLedger) AccrueReferral(ctx context.Context, state *domain.SessionState, images int) error {
	code := state.ReferredBy
	if !l.policy.ReferralEnabled || code == "" || code == state.ReferenceCode || images <= 0 {
		return nil
	}
	amount := images * l.policy.ReferralCreditPerImage
	if amount <= 0 {
		return nil
	}
	if err := l.references.Accrue(ctx, code, amount); err != nil {
		return fmt.Errorf("accrue reference %q: %w", code, err)
	}
	return nil
}

// RewardUpload grants the upload reward for img unless the service generated
// it or it was rewarded before.
func (l *CreditLedger) RewardUpload(ctx context.Context, state *domain.SessionState, img image.Image) (*domain.UploadReward, error) {
	ctx, span := middleware.StartSpan(ctx, "ledger.reward_upload", trace.WithAttributes(
		attribute.String("layer", "logic"),
	))
	defer span.End()

	hash := imagehash.Sum(img)
	span.SetAttributes(attribute.String("image.hash", hash))

	generated, err := l.provenance.IsGenerated(ctx, hash)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("check provenance: %w", err)
	}
	if generated {
		return nil, fmt.Errorf("reward upload %s: %w", hash[:12], ErrGeneratedImage)
	}

	reward := domain.UploadReward{
		Token:     l.policy.UploadReward,
		Message:   uploadRewardMessage,
		Timestamp: l.now().UTC(),
	}
	recorded, err := l.provenance.RecordReward(ctx, hash, state.SessionID(), reward)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("record reward: %w", err)
	}
	if !recorded {
		return nil, fmt.Errorf("reward upload %s: %w", hash[:12], ErrDuplicateUpload)
	}

	state.Token += reward.Token
	l.metrics.AddCreditGrant(GrantUpload, reward.Token)
	return &reward, nil
}
