package domain

import (
	"context"
	"image"
	"strings"
)

// GenerationParams is a single call into the external image generator.
type GenerationParams struct {
	Model          string
	Prompt         string
	NegativePrompt string
	Count          int
	Width          int
	Height         int
	Steps          int
	Guidance       float64
}

// Generator produces images from a prompt. Implementations are stateful and
// not safe for concurrent use; callers must serialize access.
type Generator interface {
	Generate(ctx context.Context, params GenerationParams) ([]image.Image, error)
}

// Unloader is implemented by generators that can release their model from memory.
type Unloader interface {
	Unload(ctx context.Context) error
}

// PromptVerdict is the prompt classifier's answer.
type PromptVerdict struct {
	Unsafe    bool
	Rationale string
}

// PromptClassifier decides whether a prompt asks for explicit content.
type PromptClassifier interface {
	Classify(ctx context.Context, text string) (PromptVerdict, error)
}

// PromptRewriter rewrites prompts, either toward safety or toward detail.
type PromptRewriter interface {
	RewriteToSafe(ctx context.Context, text string) (string, error)
	Enhance(ctx context.Context, text string, maxLen int) (string, error)
}

// Detection is one labelled region reported by the image classifier.
type Detection struct {
	Label string          `json:"label"`
	Score float64         `json:"score"`
	Box   image.Rectangle `json:"box"`
}

// ImageClassifier reports labelled regions for an image.
type ImageClassifier interface {
	Classify(ctx context.Context, img image.Image) ([]Detection, error)
}

// CensorMethod selects how a region is obscured.
type CensorMethod string

const (
	CensorBlur     CensorMethod = "blur"
	CensorPixelate CensorMethod = "pixelate"
	CensorFill     CensorMethod = "fill"
)

// Censor obscures the given regions of an image and returns a derivative.
// The input image is never modified.
type Censor interface {
	Apply(img image.Image, boxes []image.Rectangle, method CensorMethod) (image.Image, error)
}

// Metrics receives service counters and gauges.
type Metrics interface {
	SetActiveSessions(n int)
	AddImages(total, nsfw int)
	AddCreditGrant(source string, amount int)
}

// Style wraps the user's free text in a fixed prompt template.
type Style struct {
	Name           string `yaml:"name" json:"name"`
	Prompt         string `yaml:"prompt" json:"prompt"`
	NegativePrompt string `yaml:"negative_prompt" json:"negative_prompt"`
}

// StylePlaceholder marks where the user's text goes inside Style.Prompt.
const StylePlaceholder = "{prompt}"

// Apply places text inside the style template. A template without a
// placeholder gets the text prepended.
func (s Style) Apply(text string) string {
	if s.Prompt == "" {
		return text
	}
	if strings.Contains(s.Prompt, StylePlaceholder) {
		return strings.ReplaceAll(s.Prompt, StylePlaceholder, text)
	}
	return text + ", " + s.Prompt
}

// JoinNegative merges negative prompt fragments, skipping empty ones.
func JoinNegative(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}
