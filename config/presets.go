package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/duynhne/imagegen-service/internal/core/domain"
)

// DefaultPreset is used when no presets file is configured.
func DefaultPreset() domain.GenerationPreset {
	return domain.GenerationPreset{
		Width:               512,
		Height:              512,
		Steps:               25,
		Guidance:            7,
		MaxImages:           4,
		NegativePrompt:      "lowres, bad anatomy, watermark",
		ForcedNegativeTerms: "nsfw, nude, naked, nipples, explicit",
	}
}

// LoadPresets reads the generation presets file named by
// GENERATION_PRESETS_FILE. Fields missing from the file keep their defaults.
// Timeout and audit settings always come from the environment.
func (c *Config) LoadPresets() (domain.GenerationPreset, error) {
	preset := DefaultPreset()
	if path := c.Generation.PresetsFile; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return domain.GenerationPreset{}, fmt.Errorf("read presets %s: %w", path, err)
		}
		if preset, err = ParsePresets(data); err != nil {
			return domain.GenerationPreset{}, fmt.Errorf("presets %s: %w", path, err)
		}
	}
	preset.Timeout = c.GetGenerationTimeoutDuration()
	preset.AuditEnabled = c.Generation.AuditEnabled
	return preset, nil
}

// ParsePresets decodes and validates a YAML presets document on top of
// DefaultPreset. Unknown keys are rejected.
func ParsePresets(data []byte) (domain.GenerationPreset, error) {
	preset := DefaultPreset()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&preset); err != nil && !errors.Is(err, io.EOF) {
		return domain.GenerationPreset{}, fmt.Errorf("decode: %w", err)
	}
	if err := validatePreset(preset); err != nil {
		return domain.GenerationPreset{}, err
	}
	return preset, nil
}

func validatePreset(p domain.GenerationPreset) error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("width and height must be positive, got %dx%d", p.Width, p.Height)
	}
	if p.Width%8 != 0 || p.Height%8 != 0 {
		return fmt.Errorf("width and height must be multiples of 8, got %dx%d", p.Width, p.Height)
	}
	if p.Steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", p.Steps)
	}
	if p.Guidance <= 0 {
		return fmt.Errorf("guidance must be positive, got %v", p.Guidance)
	}
	if p.MaxImages <= 0 {
		return fmt.Errorf("max_images must be positive, got %d", p.MaxImages)
	}

	seen := make(map[string]bool, len(p.Styles))
	for i, s := range p.Styles {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("styles[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("styles[%d]: duplicate style %q", i, name)
		}
		seen[name] = true
		if strings.Count(s.Prompt, domain.StylePlaceholder) > 1 {
			return fmt.Errorf("style %q: %s may appear at most once", name, domain.StylePlaceholder)
		}
	}
	return nil
}
