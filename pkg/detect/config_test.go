package detect

import "testing"

func TestPresets_Validate(t *testing.T) {
	for _, name := range []string{"default", "sensitive", "strict", ""} {
		cfg, err := Preset(name)
		if err != nil {
			t.Fatalf("Preset(%q): %v", name, err)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Preset(%q) does not validate: %v", name, err)
		}
	}

	if _, err := Preset("blinding"); err == nil {
		t.Error("expected unknown preset to fail")
	}
}

func TestDefaultConfig_AspectRange(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MinAspect != 0.2 || cfg.MaxAspect != 5.0 {
		t.Errorf("Expected aspect range [0.2, 5.0], got [%v, %v]", cfg.MinAspect, cfg.MaxAspect)
	}
}

func TestConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"even blur kernel", func(c *Config) { c.BlurKernel = 4 }},
		{"inverted low hue", func(c *Config) { c.LowHueMin, c.LowHueMax = 20, 10 }},
		{"high hue beyond 180", func(c *Config) { c.HighHueMax = 200 }},
		{"negative saturation", func(c *Config) { c.SaturationMin = -1 }},
		{"inverted area", func(c *Config) { c.MinArea, c.MaxArea = 100, 10 }},
		{"zero aspect", func(c *Config) { c.MinAspect = 0 }},
		{"compactness above one", func(c *Config) { c.MinCompactness = 1.5 }},
		{"erosion without kernel", func(c *Config) { c.ErodeIterations, c.ErodeKernel = 1, 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestKeepRegion(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name   string
		area   float64
		w, h   int
		expect bool
	}{
		{"square blob", 81, 10, 10, true},
		{"below min area", 2, 2, 2, false},
		{"above max area", 90000, 300, 300, false},
		{"too wide", 50, 60, 2, false},
		{"too tall", 50, 2, 60, false},
		{"thin diagonal streak", 40, 20, 20, false},
		{"zero height", 10, 10, 0, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rect := BoxToRect(Box{W: tc.w, H: tc.h})
			if got := keepRegion(tc.area, rect, cfg); got != tc.expect {
				t.Errorf("keepRegion(%v, %dx%d): got %v, want %v", tc.area, tc.w, tc.h, got, tc.expect)
			}
		})
	}
}
