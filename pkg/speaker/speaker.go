// Package speaker implements the active-speaker detection engine at the heart
// of Talkstick: given periodic per-source activity samples from any number of
// concurrently received audio streams, a [Detector] decides which single source
// currently holds the floor and fires one notification per decision change.
//
// The engine is deliberately small and transport-agnostic. It consumes only
// `(source, level, timestamp)` triples — media transport, jitter buffering and
// per-packet level extraction belong to the adapters in pkg/transport and
// internal/ingest. Levels are expressed in dBov ([-127, 0], 0 loudest), the
// unit carried by the RTP audio-level header extension, so transport adapters
// can pass measured values through unchanged.
//
// Detection is a leaky bucket per source: accepted samples add score scaled by
// loudness, elapsed time drains it exponentially, and an arbitration pass after
// every sample picks the highest-scoring source above a minimum activation
// threshold. A configurable minimum change period debounces the decision so
// that jitter and short noise bursts do not flip the active speaker.
//
// A Detector is safe for concurrent use: registration calls may come from a
// control-plane goroutine while samples arrive on the media path. The sample
// path is O(number of registered sources) and allocation-free.
package speaker

import (
	"sync"
	"time"
)

// ID identifies one monitored source. IDs are opaque to the engine; transport
// adapters typically use the stream's RTP synchronization source (SSRC).
type ID uint32

// Default tuning values. See the corresponding With* options.
const (
	// DefaultMinChangePeriod is the minimum time between two committed
	// active-speaker changes.
	DefaultMinChangePeriod = 500 * time.Millisecond

	// DefaultMaxScore caps how much activity credit a source can bank, so a
	// long-running speaker cannot dominate arbitration after going quiet.
	DefaultMaxScore = 100.0

	// DefaultNoiseGate is the level (dBov) below which samples are treated
	// as background noise and contribute no score.
	DefaultNoiseGate = -60.0

	// DefaultMinActivation is the score a source must accumulate before it
	// is eligible to hold the floor.
	DefaultMinActivation = 10.0

	// DefaultDecayTimeConstant is the exponential decay time constant: a
	// silent source loses ~63% of its score per constant elapsed.
	DefaultDecayTimeConstant = time.Second

	// DefaultSampleGain is the score added by an accepted full-scale
	// (0 dBov) sample. Quieter samples add proportionally less.
	DefaultSampleGain = 10.0
)

// Option configures a [Detector] during construction.
type Option func(*Detector)

// WithMinChangePeriod sets the debounce window between committed changes.
func WithMinChangePeriod(d time.Duration) Option {
	return func(det *Detector) {
		if d >= 0 {
			det.minChangePeriod = d
		}
	}
}

// WithMaxScore sets the upper clamp on any source's accumulated score.
func WithMaxScore(max float64) Option {
	return func(det *Detector) {
		if max > 0 {
			det.maxScore = max
		}
	}
}

// WithNoiseGate sets the gating threshold in dBov. Samples quieter than the
// threshold are discarded as noise.
func WithNoiseGate(levelDB float64) Option {
	return func(det *Detector) {
		det.noiseGate = levelDB
	}
}

// WithMinActivation sets the minimum accumulated score a source needs before
// it can become (or remain) the active speaker.
func WithMinActivation(score float64) Option {
	return func(det *Detector) {
		if score >= 0 {
			det.minActivation = score
		}
	}
}

// WithDecayTimeConstant sets the exponential decay time constant.
func WithDecayTimeConstant(tau time.Duration) Option {
	return func(det *Detector) {
		if tau > 0 {
			det.decayTau = tau
		}
	}
}

// WithSampleGain sets the score contributed by a full-scale accepted sample.
func WithSampleGain(gain float64) Option {
	return func(det *Detector) {
		if gain > 0 {
			det.sampleGain = gain
		}
	}
}

// Detector aggregates per-source activity samples and arbitrates which source
// is the current active speaker.
//
// All exported methods are safe for concurrent use. Within one goroutine,
// sample delivery is fully synchronous: by the time [Detector.DeliverSample]
// returns, any resulting change notification has been dispatched.
type Detector struct {
	// emitMu serializes every commit+dispatch sequence. Arbitration commits
	// under mu but callbacks run outside it; with both the sample path and a
	// decay ticker evaluating concurrently, an emitted event could otherwise
	// overtake an older committed one. Always acquired before mu.
	emitMu sync.Mutex

	mu          sync.Mutex
	sources     map[ID]*source
	active      ID
	hasActive   bool
	lastChange  time.Time
	stopped     bool
	lastEmitted Event // most recently dispatched event, for duplicate suppression
	hasEmitted  bool

	// Tunables, guarded by mu so they can change while samples are in flight.
	minChangePeriod time.Duration
	maxScore        float64
	noiseGate       float64
	minActivation   float64
	decayTau        time.Duration
	sampleGain      float64

	// Diagnostic counters, guarded by mu.
	stats Stats

	cbMu     sync.Mutex
	callback func(Event)
}

// New creates a Detector with the default tuning, adjusted by opts.
func New(opts ...Option) *Detector {
	d := &Detector{
		sources:         make(map[ID]*source),
		minChangePeriod: DefaultMinChangePeriod,
		maxScore:        DefaultMaxScore,
		noiseGate:       DefaultNoiseGate,
		minActivation:   DefaultMinActivation,
		decayTau:        DefaultDecayTimeConstant,
		sampleGain:      DefaultSampleGain,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// OnActiveSpeakerChanged registers cb as the handler invoked for every
// committed decision change and for the final stopped event. Only one handler
// may be active at a time; subsequent calls replace the previous registration.
// Passing nil removes the handler.
//
// The handler is invoked synchronously from the call that triggered the
// change and must not block or call back into the detector's mutating
// methods. Invocations are serialized and arrive in commit order: with
// samples and decay ticks evaluating concurrently, the handler never
// observes an older decision after a newer one.
func (d *Detector) OnActiveSpeakerChanged(cb func(Event)) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.callback = cb
}

// DeliverSample ingests one activity sample for the given source and
// re-arbitrates the active speaker. level is in dBov ([-127, 0]); ts is the
// sample's capture time and must be non-decreasing per source.
//
// Returns [ErrUnknownSource] if id is not registered and [ErrStopped] after
// [Detector.Shutdown]. Callers on the media path should log and drop these
// rather than propagate them.
func (d *Detector) DeliverSample(id ID, level float64, ts time.Time) error {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()

	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	src, ok := d.sources[id]
	if !ok {
		d.stats.SamplesUnknown++
		d.mu.Unlock()
		return ErrUnknownSource
	}

	accepted := d.accumulate(src, level, ts)
	if accepted {
		d.stats.SamplesAccepted++
	} else {
		d.stats.SamplesGated++
	}

	ev, fire := d.evaluateLocked(ts)
	d.mu.Unlock()

	if fire {
		d.dispatch(ev)
	}
	return nil
}

// Evaluate re-runs arbitration at the given time without ingesting a sample.
// Useful for driving decay-only re-evaluation from a ticker when sources stop
// sending samples (a muted active speaker otherwise keeps the floor until the
// next sample from anyone arrives).
func (d *Detector) Evaluate(now time.Time) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	ev, fire := d.evaluateLocked(now)
	d.mu.Unlock()

	if fire {
		d.dispatch(ev)
	}
}

// ActiveSpeaker returns the currently selected source and true, or zero and
// false when no source holds the floor.
func (d *Detector) ActiveSpeaker() (ID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active, d.hasActive
}

// SetMinChangePeriod updates the debounce window. Takes effect for subsequent
// evaluations. Returns [ErrInvalidConfig] for negative values.
func (d *Detector) SetMinChangePeriod(period time.Duration) error {
	if period < 0 {
		return ErrInvalidConfig
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minChangePeriod = period
	return nil
}

// SetMaxScore updates the accumulated-score clamp. Existing scores above the
// new maximum are clamped on their next update. Returns [ErrInvalidConfig]
// for non-positive values.
func (d *Detector) SetMaxScore(max float64) error {
	if max <= 0 {
		return ErrInvalidConfig
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxScore = max
	return nil
}

// SetNoiseGate updates the gating threshold (dBov). Applies to subsequent
// samples only.
func (d *Detector) SetNoiseGate(levelDB float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noiseGate = levelDB
	return nil
}

// SetMinActivation updates the minimum score needed to hold the floor.
// Returns [ErrInvalidConfig] for negative values.
func (d *Detector) SetMinActivation(score float64) error {
	if score < 0 {
		return ErrInvalidConfig
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minActivation = score
	return nil
}

// Stats returns a snapshot of the detector's diagnostic counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Shutdown terminally stops the detector: the registry is cleared, the active
// speaker is reset, and one final [EventStopped] is dispatched. Subsequent
// calls are no-ops. After Shutdown every mutating method fails with
// [ErrStopped].
func (d *Detector) Shutdown() {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.clearLocked()
	d.mu.Unlock()

	d.dispatch(Event{Type: EventStopped, Time: time.Now()})
}

// dispatch delivers ev to the registered callback, applying the stale-source
// guard: a change event whose source was removed between commit and dispatch
// is silently dropped, and an event identical to the last one delivered is
// suppressed.
func (d *Detector) dispatch(ev Event) {
	d.cbMu.Lock()
	cb := d.callback
	d.cbMu.Unlock()
	if cb == nil {
		return
	}

	d.mu.Lock()
	if ev.Type == EventSpeakerChanged {
		if _, ok := d.sources[ev.Source]; !ok {
			// Removed mid-flight; the next evaluation re-arbitrates.
			d.mu.Unlock()
			return
		}
	}
	if d.hasEmitted && ev.Type == d.lastEmitted.Type && ev.Source == d.lastEmitted.Source {
		d.mu.Unlock()
		return
	}
	d.lastEmitted = ev
	d.hasEmitted = true
	d.mu.Unlock()

	cb(ev)
}
