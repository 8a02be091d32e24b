package config

// Diff describes what changed between two configs. Only fields that can be
// safely hot-reloaded are tracked; everything else requires a restart.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DetectorChanges lists the hot-reloadable detector fields that
	// changed, by their YAML names.
	DetectorChanges []string
}

// Empty reports whether the diff carries no hot-reloadable change.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && len(d.DetectorChanges) == 0
}

// Compare returns what changed between old and new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	o, n := old.Detector, new.Detector
	if o.MinChangePeriodMs != n.MinChangePeriodMs {
		d.DetectorChanges = append(d.DetectorChanges, "min_change_period_ms")
	}
	if o.MaxAccumulatedScore != n.MaxAccumulatedScore {
		d.DetectorChanges = append(d.DetectorChanges, "max_accumulated_score")
	}
	if o.NoiseGatingThresholdDB != n.NoiseGatingThresholdDB {
		d.DetectorChanges = append(d.DetectorChanges, "noise_gating_threshold_db")
	}
	if o.MinActivationScore != n.MinActivationScore {
		d.DetectorChanges = append(d.DetectorChanges, "min_activation_score")
	}

	return d
}
