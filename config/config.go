// Package config loads the daemon configuration from YAML and watches it
// for changes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AdapterSettings configures one registered platform adapter.
type AdapterSettings struct {
	// Throttle is the minimum interval between edits to one platform
	// message, as a Go duration string ("1s", "500ms"). Platforms with
	// tighter rate limits get a longer interval.
	Throttle string `yaml:"throttle"`
}

// Config is the daemon configuration.
type Config struct {
	// BackendURL is the backend event stream endpoint.
	BackendURL string `yaml:"backend_url"`

	LogLevel string `yaml:"log_level"`

	// SplitThreshold and CarryAnswerMax tune the continuation policy; see
	// the relay package. Zero keeps the relay defaults.
	SplitThreshold int `yaml:"split_threshold"`
	CarryAnswerMax int `yaml:"carry_answer_max"`

	// ErrorMarker is the reaction added on terminal faults for adapters
	// with reaction support.
	ErrorMarker string `yaml:"error_marker"`

	// Console enables the built-in stdout debug adapter.
	Console bool `yaml:"console"`

	// Adapters maps adapter keys to per-adapter settings.
	Adapters map[string]AdapterSettings `yaml:"adapters"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		BackendURL: "ws://127.0.0.1:4096/event",
		LogLevel:   "info",
	}
}

// Load reads and parses a YAML config file, validating durations up front so
// a bad file fails at startup rather than mid-stream.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for key, a := range cfg.Adapters {
		if _, err := a.ThrottleDuration(); err != nil {
			return nil, fmt.Errorf("adapter %q: %w", key, err)
		}
	}
	return cfg, nil
}

// ThrottleDuration parses the adapter's throttle setting. Zero duration
// means "use the mux default".
func (a AdapterSettings) ThrottleDuration() (time.Duration, error) {
	if a.Throttle == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(a.Throttle)
	if err != nil {
		return 0, fmt.Errorf("invalid throttle %q: %w", a.Throttle, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative throttle %q", a.Throttle)
	}
	return d, nil
}
