package speaker

import (
	"math"
	"time"
)

// minLevelDB is the quietest representable level (digital silence) in dBov,
// per the RTP audio-level header extension range.
const minLevelDB = -127.0

// scoreFloor is the value below which a decayed score snaps to zero, so that
// exponential decay terminates instead of approaching zero asymptotically.
const scoreFloor = 1e-3

// accumulate applies the leaky-bucket update for one delivered sample and
// reports whether the sample passed the noise gate. Caller holds d.mu.
//
// Decay always applies, gated or not — a muted source keeps draining. Only
// accepted samples add score, scaled linearly by how far above digital
// silence the level is: a 0 dBov sample adds the full sampleGain, a sample at
// -127 dBov adds nothing.
func (d *Detector) accumulate(src *source, level float64, ts time.Time) (accepted bool) {
	src.score = d.decayed(src.score, elapsedSince(src.lastSample, ts))

	accepted = level >= d.noiseGate
	if accepted {
		src.score += d.sampleGain * loudness(level)
	}

	if src.score > d.maxScore {
		src.score = d.maxScore
	}
	src.lastSample = ts
	return accepted
}

// effectiveScore returns src's score decayed to time now without mutating the
// source. Arbitration uses this so that sources that stopped sending samples
// still lose the floor. Caller holds d.mu.
func (d *Detector) effectiveScore(src *source, now time.Time) float64 {
	score := d.decayed(src.score, elapsedSince(src.lastSample, now))
	// A tightened cap applies immediately, not only on the next sample.
	if score > d.maxScore {
		score = d.maxScore
	}
	return score
}

// decayed returns score after exponential decay over elapsed:
// score·e^(−elapsed/τ). Monotonically non-increasing in elapsed, never
// negative, and snapped to zero below scoreFloor.
func (d *Detector) decayed(score float64, elapsed time.Duration) float64 {
	if elapsed <= 0 || score <= 0 {
		return max(score, 0)
	}
	score *= math.Exp(-elapsed.Seconds() / d.decayTau.Seconds())
	if score < scoreFloor {
		return 0
	}
	return score
}

// loudness maps a dBov level to a linear [0, 1] weight: 0 at digital silence
// (-127 dBov and below), 1 at full scale (0 dBov and above).
func loudness(levelDB float64) float64 {
	if levelDB <= minLevelDB {
		return 0
	}
	if levelDB >= 0 {
		return 1
	}
	return (levelDB - minLevelDB) / -minLevelDB
}

// elapsedSince returns the non-negative duration from last to now, treating a
// zero last (first sample) and clock regressions as zero elapsed.
func elapsedSince(last, now time.Time) time.Duration {
	if last.IsZero() {
		return 0
	}
	if e := now.Sub(last); e > 0 {
		return e
	}
	return 0
}
