package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynhne/imagegen-service/internal/core/domain"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "imagegen-service", cfg.Service.Name)
	assert.True(t, cfg.Credits.Enforced)
	assert.Equal(t, 10, cfg.Credits.InitialGrant)
	assert.Equal(t, time.Hour, cfg.GetCreditWaitDuration())
	assert.Equal(t, -2, cfg.Moderation.MaxNSFWWarnings)
	assert.Equal(t, CensorPixelate, cfg.Moderation.CensorMethod)
	assert.Equal(t, StorageFile, cfg.Storage.Kind)
	assert.Equal(t, 2*time.Minute, cfg.GetGenerationTimeoutDuration())
	assert.Equal(t, 10*time.Minute, cfg.GetIdleWindowDuration())
}

func TestLoad_Env(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CREDITS_WAIT_MINUTES", "5")
	t.Setenv("NSFW_ENABLED", "true")
	t.Setenv("MAX_NSFW_WARNINGS", "-4")
	t.Setenv("MODERATION_CENSOR_METHOD", "blur")
	t.Setenv("GENERATION_TIMEOUT", "45s")
	t.Setenv("CREDITS_INITIAL_GRANT", "not-a-number")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.GetCreditWaitDuration())
	assert.True(t, cfg.Moderation.NSFWEnabled)
	assert.Equal(t, -4, cfg.Moderation.MaxNSFWWarnings)
	assert.Equal(t, CensorBlur, cfg.Moderation.CensorMethod)
	assert.Equal(t, 45*time.Second, cfg.GetGenerationTimeoutDuration())
	assert.Equal(t, 10, cfg.Credits.InitialGrant, "unparsable values fall back")
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("UPLOAD_REWARD=7\n"), 0o600))
	t.Setenv("UPLOAD_REWARD", "")
	os.Unsetenv("UPLOAD_REWARD")

	cfg := Load()
	assert.Equal(t, 7, cfg.Credits.UploadReward)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"positive warning floor", func(c *Config) { c.Moderation.MaxNSFWWarnings = 1 }, "MAX_NSFW_WARNINGS"},
		{"threshold above one", func(c *Config) { c.Moderation.ImageThreshold = 1.5 }, "MODERATION_IMAGE_THRESHOLD"},
		{"unknown censor", func(c *Config) { c.Moderation.CensorMethod = "smudge" }, "MODERATION_CENSOR_METHOD"},
		{"unknown storage", func(c *Config) { c.Storage.Kind = "s3" }, "STORAGE_KIND"},
		{"postgres without url", func(c *Config) { c.Storage.Kind = StoragePostgres }, "DATABASE_URL"},
		{"bad duration", func(c *Config) { c.Generation.Timeout = "soon" }, "GENERATION_TIMEOUT"},
		{"negative grant", func(c *Config) { c.Credits.InitialGrant = -1 }, "CREDITS_INITIAL_GRANT"},
		{"grant at refill threshold", func(c *Config) { c.Credits.InitialGrant = 2 }, "CREDITS_INITIAL_GRANT"},
		{"no concurrency", func(c *Config) { c.Moderation.Concurrency = 0 }, "MODERATION_CONCURRENCY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParsePresets(t *testing.T) {
	preset, err := ParsePresets([]byte(`
model: sdxl-base
width: 768
max_images: 2
forced_negative_terms: "nsfw"
styles:
  - name: anime
    prompt: "anime artwork of {prompt}"
    negative_prompt: "photo"
  - name: cinematic
    prompt: "cinematic still, film grain"
`))
	require.NoError(t, err)

	want := DefaultPreset()
	want.Model = "sdxl-base"
	want.Width = 768
	want.MaxImages = 2
	want.ForcedNegativeTerms = "nsfw"
	want.Styles = []domain.Style{
		{Name: "anime", Prompt: "anime artwork of {prompt}", NegativePrompt: "photo"},
		{Name: "cinematic", Prompt: "cinematic still, film grain"},
	}
	if diff := cmp.Diff(want, preset); diff != "" {
		t.Errorf("ParsePresets() mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePresets_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown key":     "colour: red",
		"odd size":        "width: 500",
		"zero steps":      "steps: 0",
		"unnamed style":   "styles: [{prompt: x}]",
		"duplicate style": "styles: [{name: a}, {name: a}]",
		"two holes":       `styles: [{name: a, prompt: "{prompt} and {prompt}"}]`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePresets([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPresets(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg := Load()
	cfg.Generation.AuditEnabled = true

	preset, err := cfg.LoadPresets()
	require.NoError(t, err)
	assert.Equal(t, 512, preset.Width)
	assert.Equal(t, 2*time.Minute, preset.Timeout)
	assert.True(t, preset.AuditEnabled)

	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps: 40\n"), 0o600))
	cfg.Generation.PresetsFile = path
	preset, err = cfg.LoadPresets()
	require.NoError(t, err)
	assert.Equal(t, 40, preset.Steps)

	cfg.Generation.PresetsFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = cfg.LoadPresets()
	assert.Error(t, err)
}
