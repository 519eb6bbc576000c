package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/duynhne/imagegen-service/internal/core/domain"
)

const classifyInstruction = `You are a content safety classifier for an image generator.
Decide whether the user's prompt asks for sexually explicit or nude imagery.
Reply with JSON only: {"unsafe": <true|false>, "rationale": "<one sentence>"}.`

const safeRewriteInstruction = `You rewrite image generation prompts so they are safe for work.
Keep the subject, setting, composition and art style. Remove or replace any nudity or sexual content
with fully clothed, non-suggestive alternatives. Reply with the rewritten prompt only.`

const enhanceInstruction = `You improve image generation prompts. Add concrete visual detail about lighting,
composition, materials and style while keeping the user's intent. Reply with the improved prompt only,
at most %d characters.`

type promptVerdict struct {
	Unsafe    bool   `json:"unsafe"`
	Rationale string `json:"rationale"`
}

// PromptClassifier implements domain.PromptClassifier.
type PromptClassifier struct {
	client *Client
}

// NewPromptClassifier creates a PromptClassifier backed by client.
func NewPromptClassifier(client *Client) *PromptClassifier {
	return &PromptClassifier{client: client}
}

// Classify asks the model whether text requests explicit content.
func (p *PromptClassifier) Classify(ctx context.Context, text string) (domain.PromptVerdict, error) {
	reply, err := p.client.ask(ctx, classifyInstruction, genai.Text(text), true)
	if err != nil {
		return domain.PromptVerdict{}, err
	}

	var v promptVerdict
	if err := decodeJSON(reply, &v); err != nil {
		return domain.PromptVerdict{}, err
	}
	return domain.PromptVerdict{Unsafe: v.Unsafe, Rationale: v.Rationale}, nil
}

// PromptRewriter implements domain.PromptRewriter.
type PromptRewriter struct {
	client *Client
}

// NewPromptRewriter creates a PromptRewriter backed by client.
func NewPromptRewriter(client *Client) *PromptRewriter {
	return &PromptRewriter{client: client}
}

// RewriteToSafe returns an SFW version of text.
func (p *PromptRewriter) RewriteToSafe(ctx context.Context, text string) (string, error) {
	reply, err := p.client.ask(ctx, safeRewriteInstruction, genai.Text(text), false)
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", fmt.Errorf("empty rewrite")
	}
	return reply, nil
}

// Enhance returns a more descriptive version of text, truncated to maxLen runes.
func (p *PromptRewriter) Enhance(ctx context.Context, text string, maxLen int) (string, error) {
	reply, err := p.client.ask(ctx, fmt.Sprintf(enhanceInstruction, maxLen), genai.Text(text), false)
	if err != nil {
		return "", err
	}
	reply = strings.Trim(reply, "\"")
	if r := []rune(reply); maxLen > 0 && len(r) > maxLen {
		reply = string(r[:maxLen])
	}
	return reply, nil
}
