package domain

import "time"

// GenerationPreset holds the generator defaults and the prompt styles offered
// to users.
type GenerationPreset struct {
	Model    string  `yaml:"model"`
	Width    int     `yaml:"width"`
	Height   int     `yaml:"height"`
	Steps    int     `yaml:"steps"`
	Guidance float64 `yaml:"guidance"`
	// MaxImages caps a single request.
	MaxImages int `yaml:"max_images"`
	// NegativePrompt is always sent to the generator.
	NegativePrompt string `yaml:"negative_prompt"`
	// ForcedNegativeTerms are added for sessions below the trust floor.
	ForcedNegativeTerms string  `yaml:"forced_negative_terms"`
	Styles              []Style `yaml:"styles"`

	Timeout      time.Duration `yaml:"-"`
	AuditEnabled bool          `yaml:"-"`
}

// Style returns the style named name. The empty name selects no style.
func (p GenerationPreset) Style(name string) (Style, bool) {
	if name == "" {
		return Style{}, true
	}
	for _, s := range p.Styles {
		if s.Name == name {
			return s, true
		}
	}
	return Style{}, false
}
