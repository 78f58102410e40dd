// Package camera owns the capture devices and hands the newest frame of each
// one to the detection loop.
package camera

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Config holds capture parameters.
type Config struct {
	// Preset seeds the timing fields from one of Presets; explicitly set
	// fields still win.
	Preset string `mapstructure:"preset" yaml:"preset,omitempty" json:"preset,omitempty"`

	// Devices are the camera indices to open. Any subset may be unavailable.
	Devices []int `mapstructure:"devices" yaml:"devices" json:"devices"`

	// FailureCeiling is the number of consecutive failed reads after which a
	// device is marked inactive and its worker exits.
	FailureCeiling int `mapstructure:"failure_ceiling" yaml:"failure_ceiling" json:"failure_ceiling"`

	// WarmupReads is how many reads OpenDevice attempts before giving up on a
	// device that opened but produces no frames.
	WarmupReads int `mapstructure:"warmup_reads" yaml:"warmup_reads" json:"warmup_reads"`

	// OpenStagger spaces out device opens; some USB hubs fail when several
	// cameras start at once.
	OpenStagger time.Duration `mapstructure:"open_stagger" yaml:"open_stagger" json:"open_stagger"`

	// RetryDelay is the pause after a failed read.
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" json:"retry_delay"`
}

// DefaultConfig returns the production capture configuration.
func DefaultConfig() Config {
	return Config{
		Devices:        []int{0},
		FailureCeiling: 10,
		WarmupReads:    5,
		OpenStagger:    200 * time.Millisecond,
		RetryDelay:     100 * time.Millisecond,
	}
}

// Validate checks the configuration and returns every problem found.
func (c Config) Validate() error {
	var errs []string

	if len(c.Devices) == 0 {
		errs = append(errs, "at least one camera device is required")
	}
	seen := make(map[int]bool, len(c.Devices))
	for _, id := range c.Devices {
		if id < 0 {
			errs = append(errs, "camera device ids must be >= 0")
		}
		if seen[id] {
			errs = append(errs, "camera device ids must be unique")
		}
		seen[id] = true
	}
	if c.FailureCeiling < 1 {
		errs = append(errs, "failure_ceiling must be >= 1")
	}
	if c.WarmupReads < 0 {
		errs = append(errs, "warmup_reads must be >= 0")
	}
	if c.Preset != "" && GetPreset(c.Preset) == nil {
		errs = append(errs, "unknown camera preset "+c.Preset+" (want one of "+strings.Join(PresetNames(), ", ")+")")
	}
	if c.OpenStagger < 0 || c.RetryDelay < 0 {
		errs = append(errs, "open_stagger and retry_delay must be >= 0")
	}

	if len(errs) > 0 {
		return errors.Newf("invalid camera config: %s", strings.Join(errs, "; "))
	}
	return nil
}
