package speaker

import "errors"

// ErrDuplicateSource is returned by [Detector.AddSource] when the identifier
// is already registered. The existing source is left untouched.
var ErrDuplicateSource = errors.New("speaker: source already registered")

// ErrUnknownSource is returned by [Detector.DeliverSample] when the identifier
// was never registered or has already been removed. Media-path callers should
// log and drop rather than propagate.
var ErrUnknownSource = errors.New("speaker: source not registered")

// ErrInvalidConfig is returned by the Set* methods when a tuning value is out
// of range (negative period or activation score, non-positive score cap).
var ErrInvalidConfig = errors.New("speaker: invalid configuration value")

// ErrStopped is returned by mutating methods after [Detector.Shutdown].
var ErrStopped = errors.New("speaker: detector stopped")
