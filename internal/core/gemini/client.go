// Package gemini adapts Google's Gemini models to the moderation collaborators:
// prompt classification, prompt rewriting and image region classification.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// generateFunc sends contents to a model and returns the text reply.
type generateFunc func(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error)

// Client wraps a genai client bound to one model.
type Client struct {
	model    string
	generate generateFunc
}

// NewClient creates a Gemini client for model.
func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	c := &Client{model: model}
	c.generate = func(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
		resp, err := gc.Models.GenerateContent(ctx, c.model, contents, cfg)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
	return c, nil
}

// Name returns the adapter name used in logs and audit records.
func (c *Client) Name() string {
	return "gemini:" + c.model
}

func (c *Client) ask(ctx context.Context, system string, contents []*genai.Content, jsonOut bool) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.2),
	}
	if jsonOut {
		cfg.ResponseMIMEType = "application/json"
	}

	text, err := c.generate(ctx, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// decodeJSON tolerates replies wrapped in a markdown code fence.
func decodeJSON(text string, v any) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("decode model reply: %w", err)
	}
	return nil
}
