package config_test

import (
	"slices"
	"testing"

	"github.com/hearsay-audio/talkstick/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Detector: config.DetectorConfig{
			MinChangePeriodMs:      500,
			MaxAccumulatedScore:    100,
			NoiseGatingThresholdDB: -60,
			MinActivationScore:     10,
		},
	}
}

func TestCompareNoChanges(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	if d := config.Compare(old, new); !d.Empty() {
		t.Errorf("Compare of identical configs = %+v, want empty", d)
	}
}

func TestCompareLogLevel(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Compare(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want log level change to debug", d)
	}
}

func TestCompareDetectorFields(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Detector.NoiseGatingThresholdDB = -50
	new.Detector.MinActivationScore = 20

	d := config.Compare(old, new)
	if d.Empty() {
		t.Fatal("diff empty for changed detector fields")
	}
	for _, want := range []string{"noise_gating_threshold_db", "min_activation_score"} {
		if !slices.Contains(d.DetectorChanges, want) {
			t.Errorf("DetectorChanges %v missing %s", d.DetectorChanges, want)
		}
	}
	if len(d.DetectorChanges) != 2 {
		t.Errorf("DetectorChanges = %v, want exactly 2 entries", d.DetectorChanges)
	}
}
