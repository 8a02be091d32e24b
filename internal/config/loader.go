package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Detector tuning. Zero means "use the engine default" throughout, so
	// only explicitly negative or out-of-range values are rejected.
	det := cfg.Detector
	if det.MinChangePeriodMs < 0 {
		errs = append(errs, fmt.Errorf("detector.min_change_period_ms %d must be >= 0", det.MinChangePeriodMs))
	}
	if det.MaxAccumulatedScore < 0 {
		errs = append(errs, fmt.Errorf("detector.max_accumulated_score %g must be >= 0", det.MaxAccumulatedScore))
	}
	if det.NoiseGatingThresholdDB < -127 || det.NoiseGatingThresholdDB > 0 {
		errs = append(errs, fmt.Errorf("detector.noise_gating_threshold_db %g is outside [-127, 0]", det.NoiseGatingThresholdDB))
	}
	if det.MinActivationScore < 0 {
		errs = append(errs, fmt.Errorf("detector.min_activation_score %g must be >= 0", det.MinActivationScore))
	}
	if det.DecayTimeConstantMs < 0 {
		errs = append(errs, fmt.Errorf("detector.decay_time_constant_ms %d must be >= 0", det.DecayTimeConstantMs))
	}
	if det.SampleGain < 0 {
		errs = append(errs, fmt.Errorf("detector.sample_gain %g must be >= 0", det.SampleGain))
	}
	if det.EvaluateIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("detector.evaluate_interval_ms %d must be >= 0", det.EvaluateIntervalMs))
	}

	// Discord transport: the token alone is not enough to join a channel.
	if cfg.Discord.Token != "" {
		if cfg.Discord.GuildID == "" {
			errs = append(errs, errors.New("discord.guild_id is required when discord.token is set"))
		}
		if cfg.Discord.ChannelID == "" {
			errs = append(errs, errors.New("discord.channel_id is required when discord.token is set"))
		}
	}

	return errors.Join(errs...)
}
