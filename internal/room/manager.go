package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hearsay-audio/talkstick/internal/observe"
	"github.com/hearsay-audio/talkstick/pkg/speaker"
)

// ErrClosed is returned by [Manager.Get] after [Manager.Shutdown].
var ErrClosed = errors.New("room: manager closed")

// ManagerConfig holds the dependencies and defaults for a [Manager].
type ManagerConfig struct {
	// DetectorOptions are applied to every detector the manager creates.
	DetectorOptions []speaker.Option

	// EvaluateInterval is the cadence of each room's decay-only evaluation
	// tick. Zero selects 200ms.
	EvaluateInterval time.Duration

	// Metrics receives per-room instrumentation. Required.
	Metrics *observe.Metrics
}

// tuning holds hot-reloaded detector settings. They are applied to live
// rooms when set and to new rooms after creation, layered over
// DetectorOptions.
type tuning struct {
	minChangePeriod *time.Duration
	maxScore        *float64
	noiseGate       *float64
	minActivation   *float64
}

// Manager owns all rooms. Rooms are created on demand by [Manager.Get] and
// torn down together by [Manager.Shutdown]. All exported methods are safe
// for concurrent use.
type Manager struct {
	opts         []speaker.Option
	evalInterval time.Duration
	metrics      *observe.Metrics

	mu       sync.Mutex
	rooms    map[string]*Room
	overlays tuning
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	interval := cfg.EvaluateInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Manager{
		opts:         cfg.DetectorOptions,
		evalInterval: interval,
		metrics:      cfg.Metrics,
		rooms:        make(map[string]*Room),
		done:         make(chan struct{}),
	}
}

// Get returns the room with the given name, creating it if necessary. Each
// new room gets a fresh detector built from the manager's defaults and any
// hot-reloaded tuning, plus a background evaluation ticker.
func (m *Manager) Get(name string) (*Room, error) {
	if name == "" {
		return nil, fmt.Errorf("room: empty room name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if r, ok := m.rooms[name]; ok {
		return r, nil
	}

	det := speaker.New(m.opts...)
	if err := m.overlays.apply(det); err != nil {
		return nil, fmt.Errorf("room %q: apply tuning: %w", name, err)
	}
	r := newRoom(name, det, m.metrics)
	m.rooms[name] = r

	m.wg.Add(1)
	go m.evaluateLoop(r)

	slog.Info("room created", "room", name, "evaluate_interval", m.evalInterval)
	return r, nil
}

// Lookup returns an existing room without creating one.
func (m *Manager) Lookup(name string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[name]
	return r, ok
}

// Rooms returns the names of all rooms, sorted.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		names = append(names, name)
	}
	m.mu.Unlock()

	slices.Sort(names)
	return names
}

// Healthy is a readiness check: it fails once the manager has shut down.
func (m *Manager) Healthy(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// evaluateLoop drives decay-only re-evaluation so an active speaker that
// stops sending samples loses the floor even when no other samples arrive.
// It also publishes the room's debounce-suppression count as metric deltas.
func (m *Manager) evaluateLoop(r *Room) {
	defer m.wg.Done()

	t := time.NewTicker(m.evalInterval)
	defer t.Stop()

	var suppressed uint64
	for {
		select {
		case <-m.done:
			return
		case now := <-t.C:
			r.det.Evaluate(now)
			if n := r.det.Stats().ChangesSuppressed; n > suppressed {
				m.metrics.SuppressedChanges.Add(context.Background(), int64(n-suppressed),
					metric.WithAttributes(attribute.String("room", r.name)))
				suppressed = n
			}
		}
	}
}

// SetMinChangePeriod updates the debounce window on every room and on rooms
// created later.
func (m *Manager) SetMinChangePeriod(d time.Duration) error {
	return m.retune(func(t *tuning) { t.minChangePeriod = &d },
		func(det *speaker.Detector) error { return det.SetMinChangePeriod(d) })
}

// SetMaxScore updates the accumulated-score clamp on every room and on rooms
// created later.
func (m *Manager) SetMaxScore(max float64) error {
	return m.retune(func(t *tuning) { t.maxScore = &max },
		func(det *speaker.Detector) error { return det.SetMaxScore(max) })
}

// SetNoiseGate updates the gating threshold on every room and on rooms
// created later.
func (m *Manager) SetNoiseGate(levelDB float64) error {
	return m.retune(func(t *tuning) { t.noiseGate = &levelDB },
		func(det *speaker.Detector) error { return det.SetNoiseGate(levelDB) })
}

// SetMinActivation updates the activation threshold on every room and on
// rooms created later.
func (m *Manager) SetMinActivation(score float64) error {
	return m.retune(func(t *tuning) { t.minActivation = &score },
		func(det *speaker.Detector) error { return det.SetMinActivation(score) })
}

// retune records the new setting in the overlay and applies it to all live
// detectors, joining any per-room errors. The value is validated against a
// throwaway detector first so an out-of-range value never poisons the
// overlay for future rooms.
func (m *Manager) retune(record func(*tuning), apply func(*speaker.Detector) error) error {
	if err := apply(speaker.New()); err != nil {
		return err
	}

	m.mu.Lock()
	record(&m.overlays)
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		if err := apply(r.det); err != nil {
			errs = append(errs, fmt.Errorf("room %q: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}

// apply layers the recorded tuning over a freshly created detector.
func (t tuning) apply(det *speaker.Detector) error {
	var errs []error
	if t.minChangePeriod != nil {
		errs = append(errs, det.SetMinChangePeriod(*t.minChangePeriod))
	}
	if t.maxScore != nil {
		errs = append(errs, det.SetMaxScore(*t.maxScore))
	}
	if t.noiseGate != nil {
		errs = append(errs, det.SetNoiseGate(*t.noiseGate))
	}
	if t.minActivation != nil {
		errs = append(errs, det.SetMinActivation(*t.minActivation))
	}
	return errors.Join(errs...)
}

// Shutdown stops all evaluation tickers and shuts every room down. Each
// detector emits its final stopped event, which closes all subscriber
// channels. The manager accepts no new rooms afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	clear(m.rooms)
	m.mu.Unlock()

	close(m.done)

	// Wait for tickers, but do not outstay the shutdown deadline. The rooms
	// are stopped either way: every subscriber is owed its final stopped
	// event even when the deadline has already passed.
	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = ctx.Err()
	}

	for _, r := range rooms {
		r.det.Shutdown()
		slog.Info("room stopped", "room", r.name)
	}
	return err
}
