// Package config loads the lightwatch configuration from defaults, an
// optional YAML file and LIGHTWATCH_* environment variables.
package config

import (
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/teslashibe/go-lightwatch/pkg/camera"
	"github.com/teslashibe/go-lightwatch/pkg/detect"
	"github.com/teslashibe/go-lightwatch/pkg/gateway"
	"github.com/teslashibe/go-lightwatch/pkg/monitor"
	"github.com/teslashibe/go-lightwatch/pkg/signal"
	"github.com/teslashibe/go-lightwatch/pkg/web"
)

// ErrInvalid marks every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete process configuration.
type Config struct {
	Cameras   camera.Config         `mapstructure:"cameras" yaml:"cameras" json:"cameras"`
	Detection DetectionConfig       `mapstructure:"detection" yaml:"detection" json:"detection"`
	LightMap  detect.LightMapConfig `mapstructure:"lightmap" yaml:"lightmap" json:"lightmap"`
	Baseline  BaselineConfig        `mapstructure:"baseline" yaml:"baseline" json:"baseline"`
	Signal    signal.Rules          `mapstructure:"signal" yaml:"signal" json:"signal"`
	MQTT      gateway.Config        `mapstructure:"mqtt" yaml:"mqtt" json:"mqtt"`
	Loop      LoopConfig            `mapstructure:"loop" yaml:"loop" json:"loop"`
	Web       web.Config            `mapstructure:"web" yaml:"web" json:"web"`
	Log       LogConfig             `mapstructure:"log" yaml:"log" json:"log"`
}

// DetectionConfig selects the detection strategy and its thresholds.
type DetectionConfig struct {
	// Strategy is "free" (region detection) or "mask" (light map).
	Strategy string `mapstructure:"strategy" yaml:"strategy" json:"strategy"`
	// Preset seeds the thresholds; explicitly set thresholds still win.
	Preset string `mapstructure:"preset" yaml:"preset" json:"preset"`

	detect.Config `mapstructure:",squash" yaml:",inline"`
}

// BaselineConfig holds baseline lifecycle timing.
type BaselineConfig struct {
	StablePeriod time.Duration `mapstructure:"stable_period" yaml:"stable_period" json:"stable_period"`
}

// LoopConfig holds detection loop timing and queue sizes.
type LoopConfig struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	EstablishDelay  time.Duration `mapstructure:"establish_delay" yaml:"establish_delay" json:"establish_delay"`
	SignalQueue     int           `mapstructure:"signal_queue" yaml:"signal_queue" json:"signal_queue"`
	DispatchQueue   int           `mapstructure:"dispatch_queue" yaml:"dispatch_queue" json:"dispatch_queue"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" json:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json" json:"json"`
}

// Default returns the built-in configuration.
func Default() Config {
	mon := monitor.DefaultConfig()
	return Config{
		Cameras: camera.DefaultConfig(),
		Detection: DetectionConfig{
			Strategy: detect.StrategyFree,
			Config:   detect.DefaultConfig(),
		},
		LightMap: detect.DefaultLightMapConfig(),
		Baseline: BaselineConfig{StablePeriod: mon.StablePeriod},
		Signal:   signal.DefaultRules(),
		MQTT:     gateway.DefaultConfig(),
		Loop: LoopConfig{
			Interval:        mon.Interval,
			EstablishDelay:  mon.EstablishDelay,
			SignalQueue:     mon.SignalQueue,
			DispatchQueue:   64,
			ShutdownTimeout: 5 * time.Second,
		},
		Web: web.DefaultConfig(),
		Log: LogConfig{Level: "info"},
	}
}

// Monitor returns the detection loop configuration.
func (c Config) Monitor() monitor.Config {
	return monitor.Config{
		Interval:       c.Loop.Interval,
		EstablishDelay: c.Loop.EstablishDelay,
		StablePeriod:   c.Baseline.StablePeriod,
		SignalQueue:    c.Loop.SignalQueue,
	}
}

var logLevels = []string{"debug", "info", "warn", "warning", "error"}

// Validate reports every problem at once. The result is marked with ErrInvalid.
func (c Config) Validate() error {
	var errs []string
	add := func(e error) { errs = append(errs, e.Error()) }

	if e := c.Cameras.Validate(); e != nil {
		add(e)
	}
	if e := c.Detection.Config.Validate(); e != nil {
		add(e)
	}
	switch c.Detection.Strategy {
	case detect.StrategyFree:
	case detect.StrategyMask:
		if c.LightMap.MaskPath == "" {
			add(errors.New("lightmap.mask_path is required for the mask strategy"))
		}
		if c.LightMap.BrightnessFloor < 0 || c.LightMap.BrightnessFloor > 255 {
			add(errors.New("lightmap.brightness_floor must be within 0-255"))
		}
	default:
		add(errors.Newf("detection.strategy %q is not one of %q, %q",
			c.Detection.Strategy, detect.StrategyFree, detect.StrategyMask))
	}
	if e := c.MQTT.Validate(); e != nil {
		add(e)
	}
	if c.Signal.Sentinel <= 0 {
		add(errors.New("signal.sentinel must be positive"))
	}
	if c.Baseline.StablePeriod < 0 {
		add(errors.New("baseline.stable_period must be >= 0"))
	}
	if c.Loop.Interval <= 0 {
		add(errors.New("loop.interval must be positive"))
	}
	if c.Loop.EstablishDelay < 0 {
		add(errors.New("loop.establish_delay must be >= 0"))
	}
	if c.Loop.SignalQueue < 1 || c.Loop.DispatchQueue < 1 {
		add(errors.New("loop.signal_queue and loop.dispatch_queue must be >= 1"))
	}
	if c.Web.Enabled && c.Web.Addr == "" {
		add(errors.New("web.addr is required when web is enabled"))
	}
	if c.Web.FrameInterval < 0 || c.Web.FrameQuality < 0 || c.Web.FrameQuality > 100 {
		add(errors.New("web.frame_interval must be >= 0 and web.frame_quality within 0-100"))
	}
	if !slices.Contains(logLevels, c.Log.Level) {
		add(errors.Newf("log.level %q is not one of %v", c.Log.Level, logLevels))
	}

	if len(errs) > 0 {
		return errors.Mark(errors.Newf("invalid configuration: %s", strings.Join(errs, "; ")), ErrInvalid)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.MQTT.Password != "" {
		c.MQTT.Password = "********"
	}
	return c
}

// RestartRequired lists the sections that differ between c and next and can
// only take effect after a restart. Detection thresholds apply live.
func (c Config) RestartRequired(next Config) []string {
	var out []string
	check := func(name string, same bool) {
		if !same {
			out = append(out, name)
		}
	}
	check("cameras", slices.Equal(c.Cameras.Devices, next.Cameras.Devices) &&
		c.Cameras.FailureCeiling == next.Cameras.FailureCeiling &&
		c.Cameras.WarmupReads == next.Cameras.WarmupReads &&
		c.Cameras.OpenStagger == next.Cameras.OpenStagger &&
		c.Cameras.RetryDelay == next.Cameras.RetryDelay)
	check("detection.strategy", c.Detection.Strategy == next.Detection.Strategy)
	check("lightmap", c.LightMap == next.LightMap)
	check("baseline", c.Baseline == next.Baseline)
	check("signal", c.Signal == next.Signal)
	check("mqtt", c.MQTT == next.MQTT)
	check("loop", c.Loop == next.Loop)
	check("web", c.Web == next.Web)
	check("log", c.Log == next.Log)
	return out
}
