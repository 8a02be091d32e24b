package speaker

import "time"

// source is the per-source accumulator state. Owned exclusively by the
// Detector; all access happens under Detector.mu.
type source struct {
	id ID

	// score is the leaky-bucket accumulated activity, in [0, maxScore].
	score float64

	// lastSample is the timestamp of the most recent delivered sample;
	// decay deltas are computed against it. Zero until the first sample.
	lastSample time.Time
}

// AddSource registers a new source with zero accumulated score. Returns
// [ErrDuplicateSource] if id is already registered and [ErrStopped] after
// shutdown; existing state is never touched on failure.
func (d *Detector) AddSource(id ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrStopped
	}
	if _, ok := d.sources[id]; ok {
		return ErrDuplicateSource
	}
	d.sources[id] = &source{id: id}
	return nil
}

// RemoveSource deletes the source and reports whether it was registered.
// Removal is idempotent: removing an unknown or already-removed id is a
// no-op. If id is the current active speaker the selection is cleared
// immediately with no notification; the next evaluation picks a new winner
// if one is eligible.
func (d *Detector) RemoveSource(id ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sources[id]; !ok {
		return false
	}
	delete(d.sources, id)
	if d.hasActive && d.active == id {
		d.active = 0
		d.hasActive = false
	}
	return true
}

// Clear removes all sources and resets the active-speaker selection without
// notification. Unlike [Detector.Shutdown] the detector remains usable.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLocked()
}

// SourceCount returns the number of currently registered sources.
func (d *Detector) SourceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sources)
}

// Score returns the accumulated score of id decayed to time now, and whether
// the source is registered.
func (d *Detector) Score(id ID, now time.Time) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	src, ok := d.sources[id]
	if !ok {
		return 0, false
	}
	return d.effectiveScore(src, now), true
}

// clearLocked resets registry and selection. Caller holds d.mu.
func (d *Detector) clearLocked() {
	clear(d.sources)
	d.active = 0
	d.hasActive = false
}
