package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"dtc-service/dtc"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the diagnostic service.
type Config struct {
	DetectionPeriod time.Duration   `yaml:"detectionPeriod"`
	AgingPeriod     time.Duration   `yaml:"agingPeriod"`
	SessionTimeout  time.Duration   `yaml:"sessionTimeout"`
	MetricsAddress  string          `yaml:"metricsAddress"`
	Channels        []ChannelConfig `yaml:"channels"`
}

// ChannelConfig is one monitored input's calibration.
type ChannelConfig struct {
	ID               uint8   `yaml:"id"`
	Name             string  `yaml:"name"`
	Min              int32   `yaml:"min"`
	Max              int32   `yaml:"max"`
	ConfirmThreshold int     `yaml:"confirmThreshold"`
	HealThreshold    int     `yaml:"healThreshold"`
	AgingThreshold   int     `yaml:"agingThreshold"`
	Capacity         int     `yaml:"capacity"`
	Persist          bool    `yaml:"persist"`
	Reference        *uint8  `yaml:"reference,omitempty"`
	RatioMin         float64 `yaml:"ratioMin,omitempty"`
	RatioMax         float64 `yaml:"ratioMax,omitempty"`
}

// UnmarshalYAML parses duration fields from strings like "100ms" and leaves
// fields absent from the document at their prior (default) values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		DetectionPeriod string          `yaml:"detectionPeriod"`
		AgingPeriod     string          `yaml:"agingPeriod"`
		SessionTimeout  string          `yaml:"sessionTimeout"`
		MetricsAddress  string          `yaml:"metricsAddress"`
		Channels        []ChannelConfig `yaml:"channels"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	durations := []struct {
		in  string
		out *time.Duration
	}{
		{raw.DetectionPeriod, &c.DetectionPeriod},
		{raw.AgingPeriod, &c.AgingPeriod},
		{raw.SessionTimeout, &c.SessionTimeout},
	}
	for _, d := range durations {
		if d.in == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.in)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", d.in, err)
		}
		*d.out = parsed
	}

	if raw.MetricsAddress != "" {
		c.MetricsAddress = raw.MetricsAddress
	}
	if raw.Channels != nil {
		c.Channels = raw.Channels
	}
	return nil
}

// LoadConfig initialises Config from a YAML file and optional environment
// overrides. An empty path falls back to DTC_CONFIG, then to defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("DTC_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// defaultConfig covers the stock sensor set so the service runs without a
// config file. Thresholds follow the calibration sheet for the reference
// vehicle.
func defaultConfig() Config {
	rpmRef := uint8(2)
	return Config{
		DetectionPeriod: 100 * time.Millisecond,
		AgingPeriod:     time.Minute,
		SessionTimeout:  5 * time.Second,
		MetricsAddress:  ":2112",
		Channels: []ChannelConfig{
			{
				ID: 1, Name: "throttle-position",
				Min: 0, Max: 1023,
				ConfirmThreshold: 3, HealThreshold: 5, AgingThreshold: 40,
				Capacity: 32, Persist: true,
			},
			{
				ID: 2, Name: "motor-rpm",
				Min: 0, Max: 12000,
				ConfirmThreshold: 3, HealThreshold: 5, AgingThreshold: 40,
				Capacity: 32, Persist: true,
			},
			{
				ID: 3, Name: "wheel-speed",
				Min: 0, Max: 2500,
				ConfirmThreshold: 5, HealThreshold: 10, AgingThreshold: 40,
				Capacity: 32, Persist: false,
				Reference: &rpmRef, RatioMin: 0.05, RatioMax: 0.35,
			},
			{
				ID: 4, Name: "controller-temperature",
				Min: -40, Max: 150,
				ConfirmThreshold: 10, HealThreshold: 10, AgingThreshold: 20,
				Capacity: 16, Persist: true,
			},
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DTC_METRICS_ADDRESS"); v != "" {
		cfg.MetricsAddress = v
	}
	if v := os.Getenv("DTC_DETECTION_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DetectionPeriod = d
		}
	}
	if v := os.Getenv("DTC_AGING_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AgingPeriod = d
		}
	}
	if v := os.Getenv("DTC_SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionTimeout = d
		}
	}
}

// Validate rejects configuration the detector cannot safely run with.
func (c *Config) Validate() error {
	if c.DetectionPeriod <= 0 {
		return fmt.Errorf("detection period must be positive, got %v", c.DetectionPeriod)
	}
	if c.AgingPeriod <= 0 {
		return fmt.Errorf("aging period must be positive, got %v", c.AgingPeriod)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive, got %v", c.SessionTimeout)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("no channels configured")
	}
	seen := make(map[uint8]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if seen[ch.ID] {
			return fmt.Errorf("duplicate channel id %d", ch.ID)
		}
		seen[ch.ID] = true
		if err := ch.toDTC().Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (ch ChannelConfig) toDTC() dtc.ChannelConfig {
	out := dtc.ChannelConfig{
		ID:               dtc.ChannelID(ch.ID),
		Name:             ch.Name,
		MinRaw:           ch.Min,
		MaxRaw:           ch.Max,
		ConfirmThreshold: ch.ConfirmThreshold,
		HealThreshold:    ch.HealThreshold,
		AgingStart:       ch.AgingThreshold,
		BufferCapacity:   ch.Capacity,
		Persist:          ch.Persist,
		RatioMin:         ch.RatioMin,
		RatioMax:         ch.RatioMax,
	}
	if ch.Reference != nil {
		ref := dtc.ChannelID(*ch.Reference)
		out.Reference = &ref
	}
	return out
}

// ChannelConfigs converts the YAML channel blocks to detector configuration.
func (c *Config) ChannelConfigs() []dtc.ChannelConfig {
	out := make([]dtc.ChannelConfig, 0, len(c.Channels))
	for _, ch := range c.Channels {
		out = append(out, ch.toDTC())
	}
	return out
}

// EventConfigs enumerates every fault condition the store can hold: one per
// channel per fault kind.
func (c *Config) EventConfigs() []dtc.EventConfig {
	kinds := []dtc.FaultKind{dtc.KindOutOfRange, dtc.KindSignalInvalid, dtc.KindNoSignal, dtc.KindImplausible}
	out := make([]dtc.EventConfig, 0, len(c.Channels)*len(kinds))
	for _, ch := range c.Channels {
		for _, kind := range kinds {
			out = append(out, dtc.EventConfig{
				ID:          dtc.NewEventID(dtc.ChannelID(ch.ID), kind),
				Description: fmt.Sprintf("%s: %s", ch.Name, dtc.GetKindDescription(kind)),
				Severity:    dtc.GetKindSeverity(kind),
				Persist:     ch.Persist,
				AgingStart:  ch.AgingThreshold,
			})
		}
	}
	return out
}
