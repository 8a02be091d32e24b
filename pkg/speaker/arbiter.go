package speaker

import "time"

// evaluateLocked runs one arbitration pass at time now and, when a change
// commits, returns the event to dispatch. Caller holds d.mu and must dispatch
// the event after releasing it.
//
// The winner is the registered source with the strictly greatest effective
// (decayed-to-now) score among those at or above the activation threshold.
// Exact ties keep the incumbent on the floor; among non-incumbents the source
// that reached its score first wins, keeping the decision deterministic.
func (d *Detector) evaluateLocked(now time.Time) (Event, bool) {
	var (
		best      *source
		bestScore float64
		found     bool
	)
	for _, src := range d.sources {
		score := d.effectiveScore(src, now)
		if score < d.minActivation {
			continue
		}
		switch {
		case !found || score > bestScore:
			best, bestScore, found = src, score, true
		case score == bestScore:
			if d.hasActive && src.id == d.active {
				best = src
			} else if !(d.hasActive && best.id == d.active) && src.lastSample.Before(best.lastSample) {
				best = src
			}
		}
	}

	// Candidate equals the current selection — nothing to report.
	if !found && !d.hasActive {
		return Event{}, false
	}
	if found && d.hasActive && best.id == d.active {
		return Event{}, false
	}

	// Debounce applies only while someone holds the floor; when the floor is
	// free (startup, or the active source was removed) the next commit is
	// immediate but still re-arms the window.
	if d.hasActive && now.Sub(d.lastChange) < d.minChangePeriod {
		d.stats.ChangesSuppressed++
		return Event{}, false
	}

	d.lastChange = now
	d.stats.Changes++

	if found {
		d.active, d.hasActive = best.id, true
		return Event{Type: EventSpeakerChanged, Source: best.id, Time: now}, true
	}
	d.active, d.hasActive = 0, false
	return Event{Type: EventSpeakerIdle, Time: now}, true
}
