package v1

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/duynhne/imagegen-service/internal/core/domain"
	"github.com/duynhne/imagegen-service/internal/logger"
	logicv1 "github.com/duynhne/imagegen-service/internal/logic/v1"
	"github.com/duynhne/imagegen-service/middleware"
)

// maxUploadBytes caps a decoded upload.
const maxUploadBytes = 10 << 20

// Handler groups HTTP handlers for the image generation API v1.
// Dependencies are injected via the constructor, no global state.
type Handler struct {
	gen *logicv1.GenerationService
}

// NewHandler creates a new Handler with the given GenerationService.
func NewHandler(gen *logicv1.GenerationService) *Handler {
	return &Handler{gen: gen}
}

// RegisterRoutes registers all API v1 routes on the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sessions", h.CreateSession)
	rg.POST("/generate", h.Generate)
	rg.POST("/credits/refill", h.Refill)
	rg.POST("/referrals/redeem", h.Redeem)
	rg.POST("/uploads", h.Upload)
	rg.GET("/styles", h.Styles)
	rg.GET("/stats", h.Stats)
}

// SessionRequest carries the client-held session state.
type SessionRequest struct {
	Session json.RawMessage `json:"session"`
}

// CreateSessionRequest starts a session, optionally through a shared link.
type CreateSessionRequest struct {
	ReferredBy string `json:"referred_by"`
}

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	Session        json.RawMessage `json:"session"`
	Prompt         string          `json:"prompt" binding:"required"`
	Style          string          `json:"style"`
	NegativePrompt string          `json:"negative_prompt"`
	Count          int             `json:"count"`
	Enhance        bool            `json:"enhance"`
}

// UploadRequest is the body of POST /uploads. Image is base64 PNG or JPEG.
type UploadRequest struct {
	Session json.RawMessage `json:"session"`
	Image   string          `json:"image" binding:"required"`
}

// ImageResponse is one delivered image.
type ImageResponse struct {
	Data     string            `json:"data"`
	Class    domain.ImageClass `json:"class"`
	Censored bool              `json:"censored"`
	Degraded string            `json:"degraded,omitempty"`
	Hash     string            `json:"hash"`
}

// GenerateResponse is the body returned by POST /generate.
type GenerateResponse struct {
	Session        *domain.SessionState `json:"session"`
	Images         []ImageResponse      `json:"images"`
	Requested      int                  `json:"requested"`
	Allowed        int                  `json:"allowed"`
	Refilled       int                  `json:"refilled,omitempty"`
	FinalPrompt    string               `json:"final_prompt"`
	NegativePrompt string               `json:"negative_prompt"`
	PromptOutcome  string               `json:"prompt_outcome"`
}

func startSpan(c *gin.Context) (context.Context, trace.Span) {
	return middleware.StartSpan(c.Request.Context(), "http.request", trace.WithAttributes(
		attribute.String("layer", "web"),
		attribute.String("method", c.Request.Method),
		attribute.String("path", c.Request.URL.Path),
	))
}

// CreateSession handles POST /api/v1/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	ctx, span := startSpan(c)
	defer span.End()

	log := logger.FromContext(ctx)

	var req CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.ReferredBy == "" {
		req.ReferredBy = c.Query("ref")
	}

	state, err := h.gen.NewSession(ctx, req.ReferredBy)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("Create session failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	log.Info().Str("session_id", state.SessionID()).Bool("referred", state.ReferredBy != "").Msg("Session created")
	c.JSON(http.StatusCreated, gin.H{"session": state})
}

// Generate handles POST /api/v1/generate.
func (h *Handler) Generate(c *gin.Context) {
	ctx, span := startSpan(c)
	defer span.End()

	log := logger.FromContext(ctx)

	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetAttributes(attribute.Bool("request.valid", false))
		span.RecordError(err)
		log.Error().Err(err).Msg("Invalid request")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	state, ok := h.session(ctx, c, req.Session)
	if !ok {
		return
	}
	span.SetAttributes(attribute.Bool("request.valid", true))

	res, err := h.gen.Generate(ctx, logicv1.GenerateRequest{
		State:          state,
		Prompt:         req.Prompt,
		Style:          req.Style,
		NegativePrompt: req.NegativePrompt,
		Count:          req.Count,
		Enhance:        req.Enhance,
	})
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("session_id", state.SessionID()).Msg("Generation failed")
		writeError(c, err, state)
		return
	}

	resp := GenerateResponse{
		Session:        res.State,
		Images:         make([]ImageResponse, len(res.Images)),
		Requested:      res.Requested,
		Allowed:        res.Allowed,
		Refilled:       res.Refilled,
		FinalPrompt:    res.FinalPrompt,
		NegativePrompt: res.NegativePrompt,
		PromptOutcome:  res.PromptOutcome.Kind.String(),
	}
	for i, img := range res.Images {
		data, err := encodePNG(img.Image)
		if err != nil {
			span.RecordError(err)
			log.Error().Err(err).Int("image", i).Msg("Encode image failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		resp.Images[i] = ImageResponse{
			Data:     data,
			Class:    img.Class,
			Censored: img.Censored,
			Hash:     img.Hash,
		}
		if img.Outcome.Degraded() {
			resp.Images[i].Degraded = img.Outcome.Reason
		}
	}

	log.Info().Str("session_id", state.SessionID()).Int("images", len(resp.Images)).Msg("Generation served")
	c.JSON(http.StatusOK, resp)
}

// Refill handles POST /api/v1/credits/refill.
func (h *Handler) Refill(c *gin.Context) {
	ctx, span := startSpan(c)
	defer span.End()

	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, ok := h.session(ctx, c, req.Session)
	if !ok {
		return
	}

	granted := h.gen.Refill(ctx, state)
	c.JSON(http.StatusOK, gin.H{"session": state, "granted": granted})
}

// Redeem handles POST /api/v1/referrals/redeem.
func (h *Handler) Redeem(c *gin.Context) {
	ctx, span := startSpan(c)
	defer span.End()

	log := logger.FromContext(ctx)

	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, ok := h.session(ctx, c, req.Session)
	if !ok {
		return
	}

	credited, err := h.gen.Redeem(ctx, state)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("session_id", state.SessionID()).Msg("Redeem failed")
		writeError(c, err, state)
		return
	}

	log.Info().Str("session_id", state.SessionID()).Int("credited", credited).Msg("Referral credit redeemed")
	c.JSON(http.StatusOK, gin.H{"session": state, "credited": credited})
}

// Upload handles POST /api/v1/uploads.
func (h *Handler) Upload(c *gin.Context) {
	ctx, span := startSpan(c)
	defer span.End()

	log := logger.FromContext(ctx)

	var req UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	img, err := decodeImage(req.Image)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, ok := h.session(ctx, c, req.Session)
	if !ok {
		return
	}

	reward, err := h.gen.RewardUpload(ctx, state, img)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("session_id", state.SessionID()).Msg("Upload not rewarded")
		writeError(c, err, state)
		return
	}

	log.Info().Str("session_id", state.SessionID()).Int("reward", reward.Token).Msg("Upload rewarded")
	c.JSON(http.StatusOK, gin.H{"session": state, "reward": reward})
}

// Styles handles GET /api/v1/styles.
func (h *Handler) Styles(c *gin.Context) {
	preset := h.gen.Preset()
	names := make([]string, 0, len(preset.Styles))
	for _, s := range preset.Styles {
		names = append(names, s.Name)
	}
	c.JSON(http.StatusOK, gin.H{"styles": names, "max_images": preset.MaxImages})
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(c *gin.Context) {
	ctx, span := startSpan(c)
	defer span.End()

	stats, err := h.gen.Stats(ctx)
	if err != nil {
		span.RecordError(err)
		logger.FromContext(ctx).Error().Err(err).Msg("Stats failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// session decodes the client-held state. Missing or malformed state is
// replaced by a fresh session.
func (h *Handler) session(ctx context.Context, c *gin.Context, raw json.RawMessage) (*domain.SessionState, bool) {
	log := logger.FromContext(ctx)

	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		state, err := domain.ParseSession(raw)
		if err == nil {
			return state, true
		}
		log.Warn().Err(err).Msg("Malformed session state, starting a fresh session")
	}

	state, err := h.gen.NewSession(ctx, c.Query("ref"))
	if err != nil {
		log.Error().Err(err).Msg("Create session failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return nil, false
	}
	return state, true
}

func writeError(c *gin.Context, err error, state *domain.SessionState) {
	var credit *logicv1.InsufficientCreditError
	switch {
	case errors.As(err, &credit):
		c.Header("Retry-After", strconv.Itoa(credit.RetryAfterSeconds()))
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":               "Out of credits",
			"retry_after_seconds": credit.RetryAfterSeconds(),
			"session":             state,
		})
	case errors.Is(err, logicv1.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "session": state})
	case errors.Is(err, logicv1.ErrReferralDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": "Referrals are disabled", "session": state})
	case errors.Is(err, logicv1.ErrGeneratedImage):
		c.JSON(http.StatusConflict, gin.H{"error": "Image was generated by this service", "session": state})
	case errors.Is(err, logicv1.ErrDuplicateUpload):
		c.JSON(http.StatusConflict, gin.H{"error": "Image already rewarded", "session": state})
	case errors.Is(err, logicv1.ErrGenerationFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Generation failed", "session": state})
	case errors.Is(err, logicv1.ErrModerationDegraded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Moderation unavailable", "session": state})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeImage(b64 string) (image.Image, error) {
	if i := strings.IndexByte(b64, ','); i >= 0 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	if base64.StdEncoding.DecodedLen(len(b64)) > maxUploadBytes {
		return nil, fmt.Errorf("image larger than %d bytes", maxUploadBytes)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
