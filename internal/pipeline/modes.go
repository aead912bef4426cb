package pipeline

import (
	"fmt"
	"strings"
)

// PerformanceMode is a named bundle of scheduling parameters
type PerformanceMode string

const (
	// ModeQuality - detect every frame at high resolution
	ModeQuality PerformanceMode = "quality"
	// ModeBalanced - default trade-off
	ModeBalanced PerformanceMode = "balanced"
	// ModePerformance - sparse detection at reduced resolution
	ModePerformance PerformanceMode = "performance"
	// ModeUltra - sparsest detection for weak hardware
	ModeUltra PerformanceMode = "ultra"
)

// PerformanceModes lists modes from most to least accurate
var PerformanceModes = []PerformanceMode{ModeQuality, ModeBalanced, ModePerformance, ModeUltra}

const (
	MinConfidence = 0.1
	MaxConfidence = 0.9
)

// ModeSettings is the (frame-skip, confidence, downscale) tuple of a mode
type ModeSettings struct {
	FrameSkip  int     `json:"frame_skip" yaml:"frame_skip"` // Compute every N-th source frame
	Confidence float64 `json:"confidence" yaml:"confidence"` // Minimum detection confidence
	Scale      float64 `json:"scale" yaml:"scale"`           // Downscale factor in (0, 1]
}

// ModeOverride carries optional per-mode overrides.
// Nil fields inherit from the built-in defaults.
type ModeOverride struct {
	FrameSkip  *int     `json:"frame_skip,omitempty" yaml:"frame_skip"`
	Confidence *float64 `json:"confidence,omitempty" yaml:"confidence"`
	Scale      *float64 `json:"scale,omitempty" yaml:"scale"`
}

// ModeTable maps every performance mode to its settings
type ModeTable map[PerformanceMode]ModeSettings

// DefaultModeTable returns the built-in settings for all modes
func DefaultModeTable() ModeTable {
	return ModeTable{
		ModeQuality:     {FrameSkip: 1, Confidence: 0.40, Scale: 0.75},
		ModeBalanced:    {FrameSkip: 3, Confidence: 0.50, Scale: 0.50},
		ModePerformance: {FrameSkip: 5, Confidence: 0.55, Scale: 0.40},
		ModeUltra:       {FrameSkip: 10, Confidence: 0.60, Scale: 0.25},
	}
}

// ParsePerformanceMode converts user input into a PerformanceMode
func ParsePerformanceMode(s string) (PerformanceMode, error) {
	mode := PerformanceMode(strings.ToLower(strings.TrimSpace(s)))
	for _, m := range PerformanceModes {
		if m == mode {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown performance mode: %q", s)
}

// ClampConfidence bounds a threshold to [MinConfidence, MaxConfidence]
func ClampConfidence(c float64) float64 {
	if c < MinConfidence {
		return MinConfidence
	}
	if c > MaxConfidence {
		return MaxConfidence
	}
	return c
}

// Normalize returns settings with every field in its legal range
func (s ModeSettings) Normalize() ModeSettings {
	if s.FrameSkip < 1 {
		s.FrameSkip = 1
	}
	s.Confidence = ClampConfidence(s.Confidence)
	if s.Scale <= 0 || s.Scale > 1 {
		s.Scale = 1
	}
	return s
}

// MergeWith applies the override to base settings
func (o *ModeOverride) MergeWith(base ModeSettings) ModeSettings {
	if o == nil {
		return base.Normalize()
	}

	merged := base
	if o.FrameSkip != nil {
		merged.FrameSkip = *o.FrameSkip
	}
	if o.Confidence != nil {
		merged.Confidence = *o.Confidence
	}
	if o.Scale != nil {
		merged.Scale = *o.Scale
	}
	return merged.Normalize()
}

// BuildModeTable merges overrides over the defaults
func BuildModeTable(overrides map[PerformanceMode]*ModeOverride) ModeTable {
	table := DefaultModeTable()
	for mode, base := range table {
		table[mode] = overrides[mode].MergeWith(base)
	}
	return table
}

// Settings returns the settings for mode, falling back to balanced
func (t ModeTable) Settings(mode PerformanceMode) ModeSettings {
	if s, ok := t[mode]; ok {
		return s
	}
	if s, ok := t[ModeBalanced]; ok {
		return s
	}
	return DefaultModeTable()[ModeBalanced]
}
