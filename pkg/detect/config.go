package detect

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Config holds all tunable thresholds of the region detector.
// Hue values use the OpenCV 8-bit convention (0-180).
type Config struct {
	// Smoothing
	BlurKernel int `mapstructure:"blur_kernel" yaml:"blur_kernel" json:"blur_kernel"` // Gaussian kernel size, <=1 disables

	// Hue mask: two ranges because red wraps around the hue axis
	LowHueMin  float64 `mapstructure:"low_hue_min" yaml:"low_hue_min" json:"low_hue_min"`
	LowHueMax  float64 `mapstructure:"low_hue_max" yaml:"low_hue_max" json:"low_hue_max"`
	HighHueMin float64 `mapstructure:"high_hue_min" yaml:"high_hue_min" json:"high_hue_min"`
	HighHueMax float64 `mapstructure:"high_hue_max" yaml:"high_hue_max" json:"high_hue_max"`
	// The free-form mask keeps pixels at or above the floors; the LightMap
	// mean-colour test requires values strictly above them.
	SaturationMin float64 `mapstructure:"saturation_min" yaml:"saturation_min" json:"saturation_min"`
	ValueMin      float64 `mapstructure:"value_min" yaml:"value_min" json:"value_min"` // brightness floor

	// Channel dominance mask (recovers weakly coloured hits)
	DominanceEnabled bool    `mapstructure:"dominance_enabled" yaml:"dominance_enabled" json:"dominance_enabled"`
	DominanceMargin  float64 `mapstructure:"dominance_margin" yaml:"dominance_margin" json:"dominance_margin"` // R must exceed G and B by this
	DominanceFloor   float64 `mapstructure:"dominance_floor" yaml:"dominance_floor" json:"dominance_floor"`    // absolute R floor

	// Morphology
	OpenKernel      int `mapstructure:"open_kernel" yaml:"open_kernel" json:"open_kernel"` // <=1 disables
	ErodeKernel     int `mapstructure:"erode_kernel" yaml:"erode_kernel" json:"erode_kernel"`
	ErodeIterations int `mapstructure:"erode_iterations" yaml:"erode_iterations" json:"erode_iterations"` // 0 disables

	// Contour filters; failing any one drops the contour
	MinArea        float64 `mapstructure:"min_area" yaml:"min_area" json:"min_area"`
	MaxArea        float64 `mapstructure:"max_area" yaml:"max_area" json:"max_area"`
	MinAspect      float64 `mapstructure:"min_aspect" yaml:"min_aspect" json:"min_aspect"`
	MaxAspect      float64 `mapstructure:"max_aspect" yaml:"max_aspect" json:"max_aspect"`
	MinCompactness float64 `mapstructure:"min_compactness" yaml:"min_compactness" json:"min_compactness"` // area / bbox area
}

// DefaultConfig returns the balanced configuration used in production.
func DefaultConfig() Config {
	return Config{
		BlurKernel: 3,

		LowHueMin:     0,
		LowHueMax:     18,
		HighHueMin:    160,
		HighHueMax:    180,
		SaturationMin: 25,
		ValueMin:      30,

		DominanceEnabled: true,
		DominanceMargin:  15,
		DominanceFloor:   40,

		OpenKernel:      3,
		ErodeKernel:     2,
		ErodeIterations: 0,

		MinArea:        5,
		MaxArea:        80000,
		MinAspect:      0.2,
		MaxAspect:      5.0,
		MinCompactness: 0.3,
	}
}

// SensitiveConfig favours recall for dim or small lights.
func SensitiveConfig() Config {
	cfg := DefaultConfig()
	cfg.BlurKernel = 1
	cfg.ValueMin = 25
	cfg.DominanceMargin = 10
	cfg.DominanceFloor = 30
	cfg.OpenKernel = 1
	cfg.MinArea = 3
	cfg.MinCompactness = 0.2
	return cfg
}

// StrictConfig favours precision in bright, noisy scenes.
func StrictConfig() Config {
	cfg := DefaultConfig()
	cfg.BlurKernel = 5
	cfg.LowHueMax = 10
	cfg.HighHueMin = 170
	cfg.SaturationMin = 80
	cfg.ValueMin = 120
	cfg.DominanceEnabled = false
	cfg.ErodeIterations = 1
	cfg.MinArea = 20
	cfg.MinCompactness = 0.4
	return cfg
}

// Preset returns a named configuration.
func Preset(name string) (Config, error) {
	switch strings.ToLower(name) {
	case "", "default", "balanced":
		return DefaultConfig(), nil
	case "sensitive":
		return SensitiveConfig(), nil
	case "strict":
		return StrictConfig(), nil
	default:
		return Config{}, errors.Newf("unknown detection preset: %q", name)
	}
}

// Validate checks that thresholds are usable.
func (c Config) Validate() error {
	var errs []string

	if c.BlurKernel > 1 && c.BlurKernel%2 == 0 {
		errs = append(errs, "blur_kernel must be odd")
	}
	if c.LowHueMin < 0 || c.LowHueMax > 180 || c.LowHueMin > c.LowHueMax {
		errs = append(errs, "low hue range must satisfy 0 <= min <= max <= 180")
	}
	if c.HighHueMin < 0 || c.HighHueMax > 180 || c.HighHueMin > c.HighHueMax {
		errs = append(errs, "high hue range must satisfy 0 <= min <= max <= 180")
	}
	if c.SaturationMin < 0 || c.SaturationMin > 255 {
		errs = append(errs, "saturation_min must be between 0 and 255")
	}
	if c.ValueMin < 0 || c.ValueMin > 255 {
		errs = append(errs, "value_min must be between 0 and 255")
	}
	if c.DominanceEnabled && (c.DominanceMargin < 0 || c.DominanceFloor < 0) {
		errs = append(errs, "dominance margin and floor must be >= 0")
	}
	if c.ErodeIterations > 0 && c.ErodeKernel < 1 {
		errs = append(errs, "erode_kernel must be >= 1 when erosion is enabled")
	}
	if c.MinArea < 0 || c.MaxArea <= 0 || c.MinArea > c.MaxArea {
		errs = append(errs, "area range must satisfy 0 <= min_area <= max_area and max_area > 0")
	}
	if c.MinAspect <= 0 || c.MinAspect > c.MaxAspect {
		errs = append(errs, "aspect range must satisfy 0 < min_aspect <= max_aspect")
	}
	if c.MinCompactness < 0 || c.MinCompactness > 1 {
		errs = append(errs, "min_compactness must be between 0 and 1")
	}

	if len(errs) > 0 {
		return errors.Newf("invalid detection config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Rule returns the colour classification rule implied by the thresholds.
func (c Config) Rule() ColorRule {
	return ColorRule{
		LowHueMin:        c.LowHueMin,
		LowHueMax:        c.LowHueMax,
		HighHueMin:       c.HighHueMin,
		HighHueMax:       c.HighHueMax,
		SaturationMin:    c.SaturationMin,
		ValueMin:         c.ValueMin,
		DominanceEnabled: c.DominanceEnabled,
		DominanceMargin:  c.DominanceMargin,
		DominanceFloor:   c.DominanceFloor,
	}
}
