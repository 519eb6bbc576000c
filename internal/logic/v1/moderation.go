package v1

import (
	"context"
	"fmt"
	"image"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/duynhne/imagegen-service/internal/core/domain"
	"github.com/duynhne/imagegen-service/internal/logger"
	"github.com/duynhne/imagegen-service/middleware"
)

// OutcomeKind tags a moderation result.
type OutcomeKind int

const (
	// OutcomeSafe means the content passed the check unchanged.
	OutcomeSafe OutcomeKind = iota
	// OutcomeUnsafe means the content was flagged and policy was applied.
	OutcomeUnsafe
	// OutcomeDegraded means the check could not run; see Outcome.Reason.
	OutcomeDegraded
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSafe:
		return "safe"
	case OutcomeUnsafe:
		return "unsafe"
	case OutcomeDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the tagged result of one moderation check.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func safe() Outcome                  { return Outcome{Kind: OutcomeSafe} }
func unsafe(reason string) Outcome   { return Outcome{Kind: OutcomeUnsafe, Reason: reason} }
func degraded(reason string) Outcome { return Outcome{Kind: OutcomeDegraded, Reason: reason} }

// Degraded reports whether the check was skipped.
func (o Outcome) Degraded() bool { return o.Kind == OutcomeDegraded }

// merge keeps the most severe of two outcomes: degraded, then unsafe, then safe.
func (o Outcome) merge(other Outcome) Outcome {
	if other.Kind > o.Kind {
		return other
	}
	return o
}

// PromptResult is the prompt stage output.
type PromptResult struct {
	Prompt    string
	Outcome   Outcome
	Rewritten bool
	Enhanced  bool
}

// PromptModerator owns the policy for checking and rewriting prompts before
// generation.
type PromptModerator struct {
	policy     ModerationPolicy
	classifier domain.PromptClassifier
	rewriter   domain.PromptRewriter
}

// NewPromptModerator creates a PromptModerator.
func NewPromptModerator(policy ModerationPolicy, classifier domain.PromptClassifier, rewriter domain.PromptRewriter) *PromptModerator {
	return &PromptModerator{policy: policy, classifier: classifier, rewriter: rewriter}
}

// EnforcesSFW reports whether prompts of this session must be made safe.
func (m *PromptModerator) EnforcesSFW(state *domain.SessionState) bool {
	return !m.policy.NSFWEnabled || m.policy.BelowFloor(state.NSFWTrust)
}

// Moderate returns a prompt fit for the generator. When SFW is enforced the
// prompt is classified and rewritten if unsafe. With enhance set the prompt is
// expanded by up to MaxEnhanceAttempts rewrites and, under SFW enforcement,
// checked again afterwards. Collaborator failures yield a degraded outcome and
// the best prompt known so far, or ErrModerationDegraded when failing closed.
func (m *PromptModerator) Moderate(ctx context.Context, state *domain.SessionState, text string, enhance bool) (PromptResult, error) {
	ctx, span := middleware.StartSpan(ctx, "moderation.prompt", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.Bool("enhance", enhance),
	))
	defer span.End()

	enforce := m.EnforcesSFW(state)
	span.SetAttributes(attribute.Bool("moderation.enforce_sfw", enforce))

	res := PromptResult{Prompt: text, Outcome: safe()}
	if enforce {
		prompt, out := m.sanitize(ctx, text)
		res.Prompt, res.Outcome = prompt, out
		res.Rewritten = prompt != text
	}

	if enhance {
		enhanced, out := m.enhance(ctx, res.Prompt)
		res.Outcome = res.Outcome.merge(out)
		if enhanced != res.Prompt {
			res.Prompt, res.Enhanced = enhanced, true
		}
		if enforce && res.Enhanced {
			prompt, out := m.sanitize(ctx, res.Prompt)
			res.Outcome = res.Outcome.merge(out)
			if prompt != res.Prompt {
				res.Prompt, res.Rewritten = prompt, true
			}
		}
	}

	span.SetAttributes(
		attribute.String("moderation.outcome", res.Outcome.Kind.String()),
		attribute.Bool("moderation.rewritten", res.Rewritten),
	)

	if res.Outcome.Degraded() {
		logger.FromContext(ctx).Error().
			Str("reason", res.Outcome.Reason).
			Bool("fail_closed", m.policy.FailClosed).
			Msg("Prompt moderation degraded")
		if m.policy.FailClosed {
			return res, fmt.Errorf("prompt stage: %s: %w", res.Outcome.Reason, ErrModerationDegraded)
		}
	}
	return res, nil
}

// sanitize classifies text and swaps it for a safe rewrite when flagged.
func (m *PromptModerator) sanitize(ctx context.Context, text string) (string, Outcome) {
	verdict, err := m.classifier.Classify(ctx, text)
	if err != nil {
		return text, degraded("prompt classifier: " + err.Error())
	}
	if !verdict.Unsafe {
		return text, safe()
	}

	rewritten, err := m.rewriter.RewriteToSafe(ctx, text)
	if err != nil {
		return text, degraded("prompt rewriter: " + err.Error())
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		return text, degraded("prompt rewriter: empty rewrite")
	}
	return rewritten, unsafe(verdict.Rationale)
}

// enhance keeps the first usable rewrite and then only strictly longer ones.
func (m *PromptModerator) enhance(ctx context.Context, text string) (string, Outcome) {
	best, found := text, false
	for i := 0; i < MaxEnhanceAttempts; i++ {
		candidate, err := m.rewriter.Enhance(ctx, best, m.policy.EnhanceMaxLength)
		if err != nil {
			return best, degraded("prompt enhancer: " + err.Error())
		}
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if !found || utf8.RuneCountInString(candidate) > utf8.RuneCountInString(best) {
			best, found = candidate, true
		}
	}
	return best, safe()
}

// ImageResult is the image stage output for one image.
type ImageResult struct {
	Image    image.Image
	Class    domain.ImageClass
	Censored bool
	Outcome  Outcome
}

// ImageModerator owns the policy for classifying and censoring generated images.
type ImageModerator struct {
	policy     ModerationPolicy
	classifier domain.ImageClassifier
	censor     domain.Censor
}

// NewImageModerator creates an ImageModerator.
func NewImageModerator(policy ModerationPolicy, classifier domain.ImageClassifier, censor domain.Censor) *ImageModerator {
	return &ImageModerator{policy: policy, classifier: classifier, censor: censor}
}

// Classify turns detections into a severity class and the boxes to censor.
// Only detections scoring strictly above the threshold count.
func (m *ImageModerator) Classify(detections []domain.Detection) (domain.ImageClass, []image.Rectangle) {
	class := domain.ClassSafe
	var boxes []image.Rectangle
	for _, d := range detections {
		if d.Score <= m.policy.ImageThreshold {
			continue
		}
		switch {
		case domain.ExplicitLabels[d.Label]:
			class = domain.ClassExplicit
			boxes = append(boxes, d.Box)
		case domain.SuggestiveLabels[d.Label] && class == domain.ClassSafe:
			class = domain.ClassSuggestive
		}
	}
	return class, boxes
}

// Moderate classifies every image concurrently, then applies policy in order:
// an explicit image is censored when the session's trust is at or below zero
// (or NSFW is disabled) and costs one trust point either way. Results match
// the input 1:1; a failed check returns the original image as degraded.
func (m *ImageModerator) Moderate(ctx context.Context, state *domain.SessionState, imgs []image.Image) []ImageResult {
	ctx, span := middleware.StartSpan(ctx, "moderation.images", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.Int("images.count", len(imgs)),
	))
	defer span.End()

	log := logger.FromContext(ctx)

	type classified struct {
		class domain.ImageClass
		boxes []image.Rectangle
		err   error
	}
	found := make([]classified, len(imgs))

	var g errgroup.Group
	g.SetLimit(max(m.policy.Concurrency, 1))
	for i, img := range imgs {
		g.Go(func() error {
			detections, err := m.classifier.Classify(ctx, img)
			if err != nil {
				found[i].err = err
				return nil
			}
			found[i].class, found[i].boxes = m.Classify(detections)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]ImageResult, len(imgs))
	explicit := 0
	for i, img := range imgs {
		results[i] = ImageResult{Image: img, Class: domain.ClassSafe, Outcome: safe()}

		if err := found[i].err; err != nil {
			results[i].Outcome = degraded("image classifier: " + err.Error())
			log.Error().Err(err).Int("image", i).Msg("Image moderation degraded, returning original")
			continue
		}

		results[i].Class = found[i].class
		if found[i].class != domain.ClassExplicit {
			continue
		}
		explicit++
		results[i].Outcome = unsafe(string(domain.ClassExplicit))

		if state.NSFWTrust <= 0 || !m.policy.NSFWEnabled {
			censored, err := m.censor.Apply(img, m.pad(img.Bounds(), found[i].boxes), m.policy.CensorMethod)
			if err != nil {
				results[i].Outcome = degraded("censor: " + err.Error())
				log.Error().Err(err).Int("image", i).Msg("Censor failed, returning original")
			} else {
				results[i].Image = censored
				results[i].Censored = true
			}
		}
		state.NSFWTrust--
	}

	span.SetAttributes(attribute.Int("images.explicit", explicit))
	return results
}

func (m *ImageModerator) pad(bounds image.Rectangle, boxes []image.Rectangle) []image.Rectangle {
	out := make([]image.Rectangle, 0, len(boxes))
	for _, b := range boxes {
		if r := b.Inset(-m.policy.CensorPadding).Intersect(bounds); !r.Empty() {
			out = append(out, r)
		}
	}
	return out
}
