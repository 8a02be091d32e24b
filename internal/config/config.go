// Package config provides the configuration schema, loader, and hot-reload
// watcher for the Talkstick active-speaker detection server.
package config

import (
	"time"

	"github.com/hearsay-audio/talkstick/pkg/speaker"
)

// LogLevel controls log verbosity for the Talkstick server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Talkstick.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Detector DetectorConfig `yaml:"detector"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// ServerConfig holds network and logging settings for the Talkstick server.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server (health, metrics,
	// WebSocket ingest) listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// DetectorConfig holds the tuning applied to every detector instance. The
// threshold fields are hot-reloadable: the config watcher pushes changes to
// running rooms without a restart. Zero values select the engine defaults.
type DetectorConfig struct {
	// MinChangePeriodMs is the debounce window between two committed
	// active-speaker changes, in milliseconds.
	MinChangePeriodMs int `yaml:"min_change_period_ms"`

	// MaxAccumulatedScore caps the activity credit any source can bank.
	MaxAccumulatedScore float64 `yaml:"max_accumulated_score"`

	// NoiseGatingThresholdDB is the level (dBov, in [-127, 0)) below which
	// samples are discarded as background noise.
	NoiseGatingThresholdDB float64 `yaml:"noise_gating_threshold_db"`

	// MinActivationScore is the score a source needs before it is eligible
	// to hold the floor.
	MinActivationScore float64 `yaml:"min_activation_score"`

	// DecayTimeConstantMs is the exponential score-decay time constant, in
	// milliseconds. Not hot-reloadable (fixed at room creation).
	DecayTimeConstantMs int `yaml:"decay_time_constant_ms"`

	// SampleGain is the score added by a full-scale accepted sample. Not
	// hot-reloadable (fixed at room creation).
	SampleGain float64 `yaml:"sample_gain"`

	// EvaluateIntervalMs is the cadence, in milliseconds, of the decay-only
	// re-evaluation tick that revokes the floor from sources that stopped
	// sending samples.
	EvaluateIntervalMs int `yaml:"evaluate_interval_ms"`
}

// DefaultEvaluateInterval is the decay-tick cadence used when
// [DetectorConfig.EvaluateIntervalMs] is unset.
const DefaultEvaluateInterval = 200 * time.Millisecond

// MinChangePeriod returns the debounce window as a duration.
func (d DetectorConfig) MinChangePeriod() time.Duration {
	return time.Duration(d.MinChangePeriodMs) * time.Millisecond
}

// EvaluateInterval returns the decay-tick cadence as a duration, falling back
// to [DefaultEvaluateInterval] when unset.
func (d DetectorConfig) EvaluateInterval() time.Duration {
	if d.EvaluateIntervalMs <= 0 {
		return DefaultEvaluateInterval
	}
	return time.Duration(d.EvaluateIntervalMs) * time.Millisecond
}

// Options converts the set fields into engine construction options. Unset
// fields are omitted so the engine defaults apply.
func (d DetectorConfig) Options() []speaker.Option {
	var opts []speaker.Option
	if d.MinChangePeriodMs > 0 {
		opts = append(opts, speaker.WithMinChangePeriod(d.MinChangePeriod()))
	}
	if d.MaxAccumulatedScore > 0 {
		opts = append(opts, speaker.WithMaxScore(d.MaxAccumulatedScore))
	}
	if d.NoiseGatingThresholdDB != 0 {
		opts = append(opts, speaker.WithNoiseGate(d.NoiseGatingThresholdDB))
	}
	if d.MinActivationScore > 0 {
		opts = append(opts, speaker.WithMinActivation(d.MinActivationScore))
	}
	if d.DecayTimeConstantMs > 0 {
		opts = append(opts, speaker.WithDecayTimeConstant(time.Duration(d.DecayTimeConstantMs)*time.Millisecond))
	}
	if d.SampleGain > 0 {
		opts = append(opts, speaker.WithSampleGain(d.SampleGain))
	}
	return opts
}

// DiscordConfig enables the Discord voice transport when Token is set.
type DiscordConfig struct {
	// Token is the bot token. Empty disables the Discord transport.
	Token string `yaml:"token"`

	// GuildID is the guild (server) hosting the voice channel.
	GuildID string `yaml:"guild_id"`

	// ChannelID is the voice channel to monitor.
	ChannelID string `yaml:"channel_id"`

	// Room is the room name the channel's samples feed into.
	// Defaults to "discord".
	Room string `yaml:"room"`
}

// RoomName returns the configured room name or the "discord" default.
func (d DiscordConfig) RoomName() string {
	if d.Room == "" {
		return "discord"
	}
	return d.Room
}
