// Package txt2img talks to an AUTOMATIC1111-compatible diffusion server.
package txt2img

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/duynhne/imagegen-service/internal/core/domain"
)

type txt2imgRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	BatchSize      int     `json:"batch_size"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`

	OverrideSettings map[string]any `json:"override_settings,omitempty"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
}

// Client implements domain.Generator and domain.Unloader over HTTP. After
// Unload the next Generate reloads the checkpoint first.
type Client struct {
	baseURL  string
	http     *http.Client
	unloaded atomic.Bool
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Generate requests params.Count images and decodes them.
func (c *Client) Generate(ctx context.Context, params domain.GenerationParams) ([]image.Image, error) {
	payload := txt2imgRequest{
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		BatchSize:      params.Count,
		Width:          params.Width,
		Height:         params.Height,
		Steps:          params.Steps,
		CFGScale:       params.Guidance,
	}
	if params.Model != "" {
		payload.OverrideSettings = map[string]any{"sd_model_checkpoint": params.Model}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if c.unloaded.Load() {
		if err := c.post(ctx, "/sdapi/v1/reload-checkpoint", []byte("{}"), nil); err != nil {
			return nil, err
		}
		c.unloaded.Store(false)
	}

	var resp txt2imgResponse
	if err := c.post(ctx, "/sdapi/v1/txt2img", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Images) != params.Count {
		return nil, fmt.Errorf("expected %d images, got %d", params.Count, len(resp.Images))
	}

	out := make([]image.Image, 0, len(resp.Images))
	for i, b64 := range resp.Images {
		// Some servers prefix a data URL header.
		if idx := strings.IndexByte(b64, ','); idx >= 0 && strings.HasPrefix(b64, "data:") {
			b64 = b64[idx+1:]
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}
		out = append(out, img)
	}
	return out, nil
}

// Unload asks the server to release its checkpoint from memory.
func (c *Client) Unload(ctx context.Context) error {
	if err := c.post(ctx, "/sdapi/v1/unload-checkpoint", []byte("{}"), nil); err != nil {
		return err
	}
	c.unloaded.Store(true)
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
