// Package config loads service configuration from the environment.
//
// Values are read once at startup by Load, after an optional .env file has been
// applied, and checked by Validate. Generation presets (styles, model defaults,
// forced negative terms) live in a separate YAML file, see LoadPresets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/duynhne/imagegen-service/internal/core/domain"
)

// Censor methods accepted by MODERATION_CENSOR_METHOD.
const (
	CensorBlur     = "blur"
	CensorPixelate = "pixelate"
	CensorFill     = "fill"
)

// Ledger storage backends accepted by STORAGE_KIND.
const (
	StorageFile     = "file"
	StoragePostgres = "postgres"
)

// Config is the full typed service configuration.
type Config struct {
	Service    ServiceConfig
	Logging    LoggingConfig
	Tracing    TracingConfig
	Profiling  ProfilingConfig
	Database   DatabaseConfig
	Storage    StorageConfig
	Credits    CreditsConfig
	Moderation ModerationConfig
	Generation GenerationConfig
}

type ServiceConfig struct {
	Name                string
	Version             string
	Env                 string
	Port                string
	ShutdownTimeout     string
	ReadinessDrainDelay string
}

type LoggingConfig struct {
	Level string
}

type TracingConfig struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64
}

type ProfilingConfig struct {
	Enabled  bool
	Endpoint string
}

type DatabaseConfig struct {
	URL      string
	MaxConns int32
}

// StorageConfig selects where the reference, provenance and audit ledgers live.
type StorageConfig struct {
	Kind string
	Dir  string
}

// CreditsConfig drives the credit ledger.
type CreditsConfig struct {
	// Enforced turns on request clamping against the session balance.
	Enforced bool
	// InitialGrant is the balance of a new session and the refill target.
	InitialGrant int
	// WaitMinutes is the interval after the last generation before a refill.
	WaitMinutes int
	// ReferralEnabled allows sessions to redeem credits accrued on their reference code.
	ReferralEnabled bool
	// ReferralCreditPerImage is accrued to the referrer for every image a referred session generates.
	ReferralCreditPerImage int
	// UploadReward is granted once per distinct uploaded image.
	UploadReward int
}

// ModerationConfig drives the prompt and image safety stages.
type ModerationConfig struct {
	// NSFWEnabled false forces SFW prompts and censoring for every session.
	NSFWEnabled bool
	// MaxNSFWWarnings is the (non-positive) trust floor below which prompts are forced SFW.
	MaxNSFWWarnings int
	// ImageThreshold is the detection score a region must exceed to count.
	ImageThreshold float64
	CensorMethod   string
	CensorPadding  int
	// FailClosed rejects requests when a classifier is unavailable instead of proceeding.
	FailClosed       bool
	Concurrency      int
	EnhanceMaxLength int
	GeminiAPIKey     string
	GeminiModel      string
}

// GenerationConfig drives the orchestrator and the external generator.
type GenerationConfig struct {
	Endpoint      string
	Timeout       string
	PresetsFile   string
	AuditEnabled  bool
	IdleWindow    string
	SweepInterval string
	IdleUnload    bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Service: ServiceConfig{
			Name:                getEnv("SERVICE_NAME", "imagegen-service"),
			Version:             getEnv("SERVICE_VERSION", "dev"),
			Env:                 getEnv("ENV", "development"),
			Port:                getEnv("PORT", "8080"),
			ShutdownTimeout:     getEnv("SHUTDOWN_TIMEOUT", "30s"),
			ReadinessDrainDelay: getEnv("READINESS_DRAIN_DELAY", "5s"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Tracing: TracingConfig{
			Enabled:    getEnvBool("TRACING_ENABLED", false),
			Endpoint:   getEnv("OTEL_COLLECTOR_ENDPOINT", "localhost:4318"),
			SampleRate: getEnvFloat("OTEL_SAMPLE_RATE", 0.1),
		},
		Profiling: ProfilingConfig{
			Enabled:  getEnvBool("PROFILING_ENABLED", false),
			Endpoint: getEnv("PYROSCOPE_ENDPOINT", "http://localhost:4040"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: int32(getEnvInt("DB_MAX_CONNECTIONS", 10)),
		},
		Storage: StorageConfig{
			Kind: getEnv("STORAGE_KIND", StorageFile),
			Dir:  getEnv("STORAGE_DIR", "data"),
		},
		Credits: CreditsConfig{
			Enforced:               getEnvBool("CREDITS_ENFORCED", true),
			InitialGrant:           getEnvInt("CREDITS_INITIAL_GRANT", 10),
			WaitMinutes:            getEnvInt("CREDITS_WAIT_MINUTES", 60),
			ReferralEnabled:        getEnvBool("REFERRAL_ENABLED", true),
			ReferralCreditPerImage: getEnvInt("REFERRAL_CREDIT_PER_IMAGE", 1),
			UploadReward:           getEnvInt("UPLOAD_REWARD", 2),
		},
		Moderation: ModerationConfig{
			NSFWEnabled:      getEnvBool("NSFW_ENABLED", false),
			MaxNSFWWarnings:  getEnvInt("MAX_NSFW_WARNINGS", -2),
			ImageThreshold:   getEnvFloat("MODERATION_IMAGE_THRESHOLD", 0.5),
			CensorMethod:     getEnv("MODERATION_CENSOR_METHOD", CensorPixelate),
			CensorPadding:    getEnvInt("MODERATION_CENSOR_PADDING", 8),
			FailClosed:       getEnvBool("MODERATION_FAIL_CLOSED", false),
			Concurrency:      getEnvInt("MODERATION_CONCURRENCY", 4),
			EnhanceMaxLength: getEnvInt("PROMPT_ENHANCE_MAX_LENGTH", 400),
			GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
			GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		},
		Generation: GenerationConfig{
			Endpoint:      getEnv("GENERATOR_ENDPOINT", "http://localhost:7860"),
			Timeout:       getEnv("GENERATION_TIMEOUT", "120s"),
			PresetsFile:   getEnv("GENERATION_PRESETS_FILE", ""),
			AuditEnabled:  getEnvBool("AUDIT_ENABLED", false),
			IdleWindow:    getEnv("SESSION_IDLE_WINDOW", "10m"),
			SweepInterval: getEnv("SESSION_SWEEP_INTERVAL", "1m"),
			IdleUnload:    getEnvBool("GENERATOR_IDLE_UNLOAD", true),
		},
	}
}

// Validate checks that every option holds a usable value.
func (c *Config) Validate() error {
	if c.Service.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	for name, v := range map[string]string{
		"SHUTDOWN_TIMEOUT":       c.Service.ShutdownTimeout,
		"READINESS_DRAIN_DELAY":  c.Service.ReadinessDrainDelay,
		"GENERATION_TIMEOUT":     c.Generation.Timeout,
		"SESSION_IDLE_WINDOW":    c.Generation.IdleWindow,
		"SESSION_SWEEP_INTERVAL": c.Generation.SweepInterval,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", name, v, err)
		}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be within [0,1], got %v", c.Tracing.SampleRate)
	}
	switch c.Storage.Kind {
	case StorageFile:
		if c.Storage.Dir == "" {
			return fmt.Errorf("STORAGE_DIR is required for file storage")
		}
	case StoragePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("STORAGE_KIND: unknown kind %q", c.Storage.Kind)
	}
	if c.Credits.InitialGrant <= domain.ReplenishThreshold {
		return fmt.Errorf("CREDITS_INITIAL_GRANT must be greater than %d, got %d", domain.ReplenishThreshold, c.Credits.InitialGrant)
	}
	if c.Credits.WaitMinutes < 0 {
		return fmt.Errorf("CREDITS_WAIT_MINUTES must not be negative")
	}
	if c.Credits.ReferralCreditPerImage < 0 || c.Credits.UploadReward < 0 {
		return fmt.Errorf("referral and upload rewards must not be negative")
	}
	if c.Moderation.MaxNSFWWarnings > 0 {
		return fmt.Errorf("MAX_NSFW_WARNINGS must be <= 0, got %d", c.Moderation.MaxNSFWWarnings)
	}
	if c.Moderation.ImageThreshold < 0 || c.Moderation.ImageThreshold > 1 {
		return fmt.Errorf("MODERATION_IMAGE_THRESHOLD must be within [0,1], got %v", c.Moderation.ImageThreshold)
	}
	switch c.Moderation.CensorMethod {
	case CensorBlur, CensorPixelate, CensorFill:
	default:
		return fmt.Errorf("MODERATION_CENSOR_METHOD: unknown method %q", c.Moderation.CensorMethod)
	}
	if c.Moderation.CensorPadding < 0 {
		return fmt.Errorf("MODERATION_CENSOR_PADDING must not be negative")
	}
	if c.Moderation.Concurrency < 1 {
		return fmt.Errorf("MODERATION_CONCURRENCY must be >= 1")
	}
	if c.Moderation.EnhanceMaxLength < 1 {
		return fmt.Errorf("PROMPT_ENHANCE_MAX_LENGTH must be >= 1")
	}
	return nil
}

// GetShutdownTimeoutDuration returns the graceful shutdown budget.
func (c *Config) GetShutdownTimeoutDuration() time.Duration {
	return mustDuration(c.Service.ShutdownTimeout, 30*time.Second)
}

// GetReadinessDrainDelayDuration returns how long /ready reports shutting_down
// before the HTTP server stops accepting connections.
func (c *Config) GetReadinessDrainDelayDuration() time.Duration {
	return mustDuration(c.Service.ReadinessDrainDelay, 0)
}

// GetGenerationTimeoutDuration bounds a single generator call.
func (c *Config) GetGenerationTimeoutDuration() time.Duration {
	return mustDuration(c.Generation.Timeout, 2*time.Minute)
}

func (c *Config) GetIdleWindowDuration() time.Duration {
	return mustDuration(c.Generation.IdleWindow, 10*time.Minute)
}

func (c *Config) GetSweepIntervalDuration() time.Duration {
	return mustDuration(c.Generation.SweepInterval, time.Minute)
}

// GetCreditWaitDuration converts CREDITS_WAIT_MINUTES into a duration.
func (c *Config) GetCreditWaitDuration() time.Duration {
	return time.Duration(c.Credits.WaitMinutes) * time.Minute
}

func mustDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return f
}
