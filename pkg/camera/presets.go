package camera

import "time"

// Preset names for common capture setups
const (
	PresetDefault = "default"
	PresetUSBHub  = "usb-hub"
	PresetBuiltin = "builtin"
)

// Presets returns all available preset configurations.
func Presets() map[string]Config {
	return map[string]Config{
		PresetDefault: DefaultConfig(),
		PresetUSBHub:  USBHubConfig(),
		PresetBuiltin: BuiltinConfig(),
	}
}

// PresetNames returns the list of available preset names.
func PresetNames() []string {
	return []string{
		PresetDefault,
		PresetUSBHub,
		PresetBuiltin,
	}
}

// GetPreset returns a preset by name, or nil if not found.
func GetPreset(name string) *Config {
	presets := Presets()
	if cfg, ok := presets[name]; ok {
		return &cfg
	}
	return nil
}

// USBHubConfig is for several cameras behind one hub: slow, staggered opens
// and a longer warmup because the first frames are often black.
func USBHubConfig() Config {
	cfg := DefaultConfig()
	cfg.WarmupReads = 15
	cfg.OpenStagger = time.Second
	cfg.RetryDelay = 200 * time.Millisecond
	return cfg
}

// BuiltinConfig is for a single built-in camera.
func BuiltinConfig() Config {
	cfg := DefaultConfig()
	cfg.WarmupReads = 2
	cfg.OpenStagger = 0
	cfg.RetryDelay = 50 * time.Millisecond
	return cfg
}
