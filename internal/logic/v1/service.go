package v1

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/duynhne/imagegen-service/internal/core/domain"
	"github.com/duynhne/imagegen-service/internal/core/imagehash"
	"github.com/duynhne/imagegen-service/internal/logger"
	"github.com/duynhne/imagegen-service/middleware"
)

// GenerateRequest is one user request for images. State is owned by the
// caller and is updated in place.
type GenerateRequest struct {
	State          *domain.SessionState
	Prompt         string
	Style          string
	NegativePrompt string
	Count          int
	Enhance        bool
}

// GeneratedImage is one delivered image with its moderation result.
type GeneratedImage struct {
	Image    image.Image
	Class    domain.ImageClass
	Censored bool
	Outcome  Outcome
	Hash     string
}

// GenerateResult is what a successful Generate delivers.
type GenerateResult struct {
	State          *domain.SessionState
	Images         []GeneratedImage
	Requested      int
	Allowed        int
	Refilled       int
	FinalPrompt    string
	NegativePrompt string
	PromptOutcome  Outcome
}

// Stats summarizes service state.
type Stats struct {
	ActiveSessions   int `json:"active_sessions"`
	ReferenceCodes   int `json:"reference_codes"`
	PendingReferrals int `json:"pending_referral_credits"`
	GeneratedImages  int `json:"generated_images"`
	RewardedUploads  int `json:"rewarded_uploads"`
}

// Deps are the collaborators of GenerationService. Audit may be nil.
type Deps struct {
	Ledger     *CreditLedger
	Prompts    *PromptModerator
	Images     *ImageModerator
	Generator  *Exclusive
	Registry   *SessionRegistry
	Locks      *SessionLocks
	Provenance domain.ProvenanceRepository
	Audit      domain.AuditRepository
	Metrics    domain.Metrics
}

// GenerationService runs the credit, moderation and generation pipeline.
// It depends on collaborator interfaces injected via the constructor and
// never talks to storage or models directly.
type GenerationService struct {
	Deps
	preset     domain.GenerationPreset
	moderation ModerationPolicy
	now        func() time.Time
}

// NewGenerationService creates a GenerationService.
func NewGenerationService(deps Deps, preset domain.GenerationPreset, moderation ModerationPolicy) *GenerationService {
	return &GenerationService{
		Deps:       deps,
		preset:     preset,
		moderation: moderation,
		now:        time.Now,
	}
}

// Preset returns the generation defaults and styles.
func (s *GenerationService) Preset() domain.GenerationPreset {
	return s.preset
}

// Generate produces up to req.Count images for the session. The session is
// refilled if due, the request is clamped to its balance, the prompt passes
// the prompt stage and the images pass the image stage. Credit is charged
// only once images were produced.
func (s *GenerationService) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	ctx, span := middleware.StartSpan(ctx, "generation.generate", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.Int("images.requested", req.Count),
		attribute.String("style", req.Style),
	))
	defer span.End()

	style, err := s.validate(req)
	if err != nil {
		span.SetAttributes(attribute.Bool("request.valid", false))
		return nil, err
	}

	state := req.State
	span.SetAttributes(attribute.String("session.id", state.SessionID()))
	log := logger.FromContext(ctx).With().Str("session_id", state.SessionID()).Logger()

	unlock := s.Locks.Lock(state.SessionID())
	defer unlock()

	res := &GenerateResult{State: state, Requested: req.Count}
	res.Refilled = s.Ledger.CheckReplenishment(state)

	allowed, err := s.Ledger.ClampRequest(state, req.Count)
	if err != nil {
		if state.LastGeneration == "" {
			// start the refill clock for sessions that never generated
			state.SaveLastGenerationActivity(s.now())
		}
		span.SetAttributes(attribute.Bool("credit.sufficient", false))
		return res, fmt.Errorf("clamp request for %d images: %w", req.Count, err)
	}
	res.Allowed = allowed
	span.SetAttributes(attribute.Int("images.allowed", allowed))

	prompt, err := s.Prompts.Moderate(ctx, state, req.Prompt, req.Enhance)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	res.PromptOutcome = prompt.Outcome

	res.FinalPrompt = style.Apply(prompt.Prompt)
	negative := []string{s.preset.NegativePrompt, style.NegativePrompt, req.NegativePrompt}
	if s.moderation.BelowFloor(state.NSFWTrust) {
		negative = append(negative, s.preset.ForcedNegativeTerms)
	}
	res.NegativePrompt = domain.JoinNegative(negative...)

	params := domain.GenerationParams{
		Model:          s.preset.Model,
		Prompt:         res.FinalPrompt,
		NegativePrompt: res.NegativePrompt,
		Count:          allowed,
		Width:          s.preset.Width,
		Height:         s.preset.Height,
		Steps:          s.preset.Steps,
		Guidance:       s.preset.Guidance,
	}
	imgs, err := s.callGenerator(ctx, params)
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	// trust changes are committed only once the images are delivered
	scratch := *state
	moderated := s.Images.Moderate(ctx, &scratch, imgs)
	if s.moderation.FailClosed {
		for i, m := range moderated {
			if m.Outcome.Degraded() {
				return res, fmt.Errorf("image %d: %s: %w", i, m.Outcome.Reason, ErrModerationDegraded)
			}
		}
	}
	state.NSFWTrust = scratch.NSFWTrust

	s.Ledger.Debit(state, allowed)
	state.SaveLastGenerationActivity(s.now())

	delivered := make([]image.Image, len(moderated))
	for i, m := range moderated {
		delivered[i] = m.Image
	}
	hashes := imagehash.SumAll(delivered)

	nsfw := 0
	res.Images = make([]GeneratedImage, len(moderated))
	for i, m := range moderated {
		res.Images[i] = GeneratedImage{
			Image:    m.Image,
			Class:    m.Class,
			Censored: m.Censored,
			Outcome:  m.Outcome,
			Hash:     hashes[i],
		}
		if m.Censored {
			hashes = append(hashes, imagehash.Sum(imgs[i]))
		}
		if m.Class == domain.ClassExplicit {
			nsfw++
		}
	}

	if err := s.Provenance.MarkGenerated(ctx, hashes); err != nil {
		log.Warn().Err(err).Msg("Failed to record generated hashes")
	}
	if err := s.Ledger.AccrueReferral(ctx, state, len(imgs)); err != nil {
		log.Warn().Err(err).Msg("Failed to accrue referral credit")
	}
	if s.preset.AuditEnabled && s.Audit != nil {
		if err := s.Audit.Append(ctx, s.auditRecord(req, res)); err != nil {
			log.Warn().Err(err).Msg("Failed to append audit record")
		}
	}
	s.Registry.RecordActive(state.SessionID(), s.now())
	s.Metrics.AddImages(len(imgs), nsfw)

	span.SetAttributes(
		attribute.Int("images.generated", len(imgs)),
		attribute.Int("images.nsfw", nsfw),
		attribute.Int("session.token", state.Token),
		attribute.Int("session.nsfw_trust", state.NSFWTrust),
	)
	log.Info().
		Int("allowed", allowed).
		Int("nsfw", nsfw).
		Int("token", state.Token).
		Int("nsfw_trust", state.NSFWTrust).
		Msg("Generation complete")

	return res, nil
}

func (s *GenerationService) validate(req GenerateRequest) (domain.Style, error) {
	if req.State == nil {
		return domain.Style{}, fmt.Errorf("missing session: %w", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return domain.Style{}, fmt.Errorf("empty prompt: %w", ErrInvalidRequest)
	}
	if req.Count < 1 || (s.preset.MaxImages > 0 && req.Count > s.preset.MaxImages) {
		return domain.Style{}, fmt.Errorf("image count %d outside [1,%d]: %w", req.Count, s.preset.MaxImages, ErrInvalidRequest)
	}
	style, ok := s.preset.Style(req.Style)
	if !ok {
		return domain.Style{}, fmt.Errorf("unknown style %q: %w", req.Style, ErrInvalidRequest)
	}
	return style, nil
}

func (s *GenerationService) callGenerator(ctx context.Context, params domain.GenerationParams) ([]image.Image, error) {
	ctx, span := middleware.StartSpan(ctx, "generation.generator", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.String("model", params.Model),
		attribute.Int("images.count", params.Count),
	))
	defer span.End()

	if s.preset.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.preset.Timeout)
		defer cancel()
	}

	var imgs []image.Image
	err := s.Generator.WithExclusiveAccess(ctx, func(ctx context.Context, gen domain.Generator) error {
		var err error
		imgs, err = gen.Generate(ctx, params)
		return err
	})
	if err == nil && len(imgs) == 0 {
		err = errors.New("generator returned no images")
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generate %d images: %w: %w", params.Count, ErrGenerationFailed, err)
	}
	return imgs, nil
}

func (s *GenerationService) auditRecord(req GenerateRequest, res *GenerateResult) domain.AuditRecord {
	outcomes := make([]domain.ImageOutcome, len(res.Images))
	for i, img := range res.Images {
		outcomes[i] = domain.ImageOutcome{
			Index:    i,
			Class:    img.Class,
			Censored: img.Censored,
			Hash:     img.Hash,
		}
		if img.Outcome.Degraded() {
			outcomes[i].Degraded = img.Outcome.Reason
		}
	}
	return domain.AuditRecord{
		SessionID:      req.State.SessionID(),
		Prompt:         req.Prompt,
		FinalPrompt:    res.FinalPrompt,
		NegativePrompt: res.NegativePrompt,
		Model:          s.preset.Model,
		Count:          len(res.Images),
		Outcomes:       outcomes,
		CreatedAt:      s.now().UTC(),
	}
}

// NewSession creates a session with the initial grant and its own reference
// code. A non-empty referredBy links it to the sharing session.
func (s *GenerationService) NewSession(ctx context.Context, referredBy string) (*domain.SessionState, error) {
	ctx, span := middleware.StartSpan(ctx, "generation.new_session", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.Bool("referred", referredBy != ""),
	))
	defer span.End()

	state := domain.NewSessionState(s.Ledger.Policy().InitialGrant)
	code, _ := state.EnsureReferenceCode()
	if referredBy = strings.TrimSpace(referredBy); referredBy != "" {
		state.ReferredBy = referredBy
	}

	for _, c := range []string{code, referredBy} {
		if err := s.Ledger.VisitReference(ctx, c); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	s.Registry.RecordActive(state.SessionID(), s.now())
	span.SetAttributes(attribute.String("session.id", state.SessionID()))
	return state, nil
}

// Refill applies the replenishment rule outside of a generation request.
func (s *GenerationService) Refill(ctx context.Context, state *domain.SessionState) int {
	_, span := middleware.StartSpan(ctx, "generation.refill", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.String("session.id", state.SessionID()),
	))
	defer span.End()

	unlock := s.Locks.Lock(state.SessionID())
	defer unlock()

	granted := s.Ledger.CheckReplenishment(state)
	span.SetAttributes(attribute.Int("credit.granted", granted))
	return granted
}

// Redeem credits the session with everything accrued on its reference code.
func (s *GenerationService) Redeem(ctx context.Context, state *domain.SessionState) (int, error) {
	unlock := s.Locks.Lock(state.SessionID())
	defer unlock()

	if _, created := state.EnsureReferenceCode(); created {
		if err := s.Ledger.VisitReference(ctx, state.ReferenceCode); err != nil {
			return 0, err
		}
	}
	return s.Ledger.CreditFromReference(ctx, state)
}

// RewardUpload grants the upload reward for img to the session.
func (s *GenerationService) RewardUpload(ctx context.Context, state *domain.SessionState, img image.Image) (*domain.UploadReward, error) {
	unlock := s.Locks.Lock(state.SessionID())
	defer unlock()

	reward, err := s.Ledger.RewardUpload(ctx, state, img)
	if err != nil {
		return nil, err
	}
	s.Registry.RecordActive(state.SessionID(), s.now())
	return reward, nil
}

// Stats reports active sessions and ledger totals.
func (s *GenerationService) Stats(ctx context.Context) (*Stats, error) {
	ctx, span := middleware.StartSpan(ctx, "generation.stats", trace.WithAttributes(
		attribute.String("layer", "logic"),
	))
	defer span.End()

	codes, pending, err := s.Ledger.PendingReferrals(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	generated, rewarded, err := s.Provenance.Counts(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("count provenance: %w", err)
	}
	return &Stats{
		ActiveSessions:   s.Registry.Count(),
		ReferenceCodes:   codes,
		PendingReferrals: pending,
		GeneratedImages:  generated,
		RewardedUploads:  rewarded,
	}, nil
}
