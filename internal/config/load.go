package config

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-lightwatch/pkg/camera"
	"github.com/teslashibe/go-lightwatch/pkg/detect"
)

// EnvPrefix prefixes every environment override, e.g. LIGHTWATCH_MQTT_BROKER.
const EnvPrefix = "LIGHTWATCH"

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates it. The returned
// viper instance can be passed to Watch.
func Load(path string) (Config, *viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := SetDefaults(v, Default()); err != nil {
		return Config{}, nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, nil, errors.WithHint(
				errors.Wrapf(err, "read config file %s", path),
				"pass --config with a readable YAML file, or omit it to run on defaults")
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

// SetDefaults registers every field of cfg as a viper default, so that any
// key can be overridden from the file or the environment.
func SetDefaults(v *viper.Viper, cfg Config) error {
	return setDefaults(v, "", cfg)
}

func setDefaults(v *viper.Viper, prefix string, value any) error {
	raw, err := yaml.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encode defaults")
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return errors.Wrap(err, "decode defaults")
	}
	walkDefaults(v, prefix, tree)
	return nil
}

func walkDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			walkDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// decode applies the camera and detection presets, unmarshals and validates.
func decode(v *viper.Viper) (Config, error) {
	if name := v.GetString("cameras.preset"); name != "" {
		preset := camera.GetPreset(name)
		if preset == nil {
			return Config{}, errors.Mark(errors.Newf("cameras.preset: unknown preset %q", name), ErrInvalid)
		}
		preset.Preset = name
		if err := setDefaults(v, "cameras", *preset); err != nil {
			return Config{}, err
		}
	}
	if name := v.GetString("detection.preset"); name != "" {
		preset, err := detect.Preset(name)
		if err != nil {
			return Config{}, errors.Mark(errors.Wrap(err, "detection.preset"), ErrInvalid)
		}
		if err := setDefaults(v, "detection", preset); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Mark(errors.Wrap(err, "decode config"), ErrInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch reloads the config file on change. A valid new configuration is
// passed to apply; an invalid one is logged and ignored. Sections that need a
// restart are logged so the operator knows they did not take effect.
func Watch(v *viper.Viper, current Config, logger *zap.Logger, apply func(Config)) {
	var mu sync.Mutex
	prev := current

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			logger.Warn("config change rejected, keeping previous", zap.String("file", e.Name), zap.Error(err))
			return
		}

		mu.Lock()
		ignored := prev.RestartRequired(next)
		prev = next
		mu.Unlock()

		if len(ignored) > 0 {
			logger.Warn("config sections changed that require a restart", zap.Strings("sections", ignored))
		}
		logger.Info("config reloaded", zap.String("file", e.Name))
		apply(next)
	})
	v.WatchConfig()
}

// YAML renders cfg with secrets redacted.
func YAML(cfg Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	return out, nil
}
