package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// fileOverrides mirrors the optional YAML configuration file. Durations are
// Go duration strings ("90s", "15m"). Zero values fall through to the
// environment-backed config.
type fileOverrides struct {
	TickInterval   string `yaml:"tick_interval"`
	BaseBackoff    string `yaml:"base_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	SafetyMargin   string `yaml:"safety_margin"`
	RequestTimeout string `yaml:"request_timeout"`
	Availability   string `yaml:"availability"`
	Activity       string `yaml:"activity"`
	DeviceType     string `yaml:"device_type"`
}

type overriddenConfig struct {
	Config
	overrides fileOverrides
}

// NewFromFile layers a YAML overrides file on top of the environment-backed
// configuration.
func NewFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "[config.NewFromFile] read overrides file")
	}

	var overrides fileOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, errors.Wrap(err, "[config.NewFromFile] parse overrides file")
	}

	return overriddenConfig{Config: New(), overrides: overrides}, nil
}

func (c overriddenConfig) GetTickInterval() time.Duration {
	return overrideDuration(c.overrides.TickInterval, c.Config.GetTickInterval())
}

func (c overriddenConfig) GetBaseBackoff() time.Duration {
	return overrideDuration(c.overrides.BaseBackoff, c.Config.GetBaseBackoff())
}

func (c overriddenConfig) GetMaxBackoff() time.Duration {
	return overrideDuration(c.overrides.MaxBackoff, c.Config.GetMaxBackoff())
}

func (c overriddenConfig) GetSafetyMargin() time.Duration {
	return overrideDuration(c.overrides.SafetyMargin, c.Config.GetSafetyMargin())
}

func (c overriddenConfig) GetRequestTimeout() time.Duration {
	return overrideDuration(c.overrides.RequestTimeout, c.Config.GetRequestTimeout())
}

func (c overriddenConfig) GetAvailability() string {
	return overrideString(c.overrides.Availability, c.Config.GetAvailability())
}

func (c overriddenConfig) GetActivity() string {
	return overrideString(c.overrides.Activity, c.Config.GetActivity())
}

func (c overriddenConfig) GetDeviceType() string {
	return overrideString(c.overrides.DeviceType, c.Config.GetDeviceType())
}

func overrideDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func overrideString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
