// Package room manages named active-speaker detector instances.
//
// Each [Room] owns one [speaker.Detector], bridges its single change callback
// into a multi-subscriber event fanout, and records per-room metrics. Rooms
// are created on demand by the [Manager] from config-derived defaults and are
// torn down together on shutdown.
package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearsay-audio/talkstick/internal/observe"
	"github.com/hearsay-audio/talkstick/pkg/speaker"
)

// DefaultSubscriptionBuffer is the event buffer size used when a subscriber
// does not specify one.
const DefaultSubscriptionBuffer = 16

// ErrRoomClosed is returned by [Room.Subscribe] after the room has shut down.
var ErrRoomClosed = errors.New("room: room closed")

// Room is one named detection domain: a detector instance plus its event
// subscribers. All exported methods are safe for concurrent use.
type Room struct {
	name    string
	det     *speaker.Detector
	metrics *observe.Metrics

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// newRoom wires a detector's callback into the room's fanout. The caller
// starts the evaluation ticker separately.
func newRoom(name string, det *speaker.Detector, metrics *observe.Metrics) *Room {
	r := &Room{
		name:    name,
		det:     det,
		metrics: metrics,
		subs:    make(map[*Subscription]struct{}),
	}
	det.OnActiveSpeakerChanged(r.fanout)
	return r
}

// Name returns the room's name.
func (r *Room) Name() string {
	return r.name
}

// AddSource registers a new source in the room's detector.
func (r *Room) AddSource(ctx context.Context, id speaker.ID) error {
	if err := r.det.AddSource(id); err != nil {
		return err
	}
	r.metrics.MonitoredSources.Add(ctx, 1)
	slog.Debug("source added", "room", r.name, "source", id)
	return nil
}

// RemoveSource removes a source. Removing an unknown id is a no-op.
func (r *Room) RemoveSource(ctx context.Context, id speaker.ID) {
	if r.det.RemoveSource(id) {
		r.metrics.MonitoredSources.Add(ctx, -1)
		slog.Debug("source removed", "room", r.name, "source", id)
	}
}

// DeliverSample forwards one activity sample to the detector and records the
// outcome and latency. The level is in dBov; ts is the sample capture time.
func (r *Room) DeliverSample(ctx context.Context, id speaker.ID, level float64, ts time.Time) error {
	start := time.Now()
	err := r.det.DeliverSample(id, level, ts)

	status := observe.SampleAccepted
	switch {
	case errors.Is(err, speaker.ErrUnknownSource):
		status = observe.SampleUnknown
	case err != nil:
		status = observe.SampleRejected
	}
	r.metrics.RecordSample(ctx, r.name, status, time.Since(start))
	return err
}

// ActiveSpeaker returns the current active source and true, or zero and
// false when no source holds the floor.
func (r *Room) ActiveSpeaker() (speaker.ID, bool) {
	return r.det.ActiveSpeaker()
}

// SourceCount returns the number of registered sources.
func (r *Room) SourceCount() int {
	return r.det.SourceCount()
}

// Stats returns the detector's diagnostic counters.
func (r *Room) Stats() speaker.Stats {
	return r.det.Stats()
}

// Subscription is one subscriber's view of a room's event stream. Events the
// room emits while the buffer is full are dropped, never blocked on: the
// detector's media path must not wait for a slow websocket.
//
// The channel is always closed under the room lock by whichever side removes
// the subscription from the room first, so fanout can never send on a channel
// a concurrent [Subscription.Close] has already closed.
type Subscription struct {
	// C delivers the room's events. It is closed after the room's final
	// stopped event or when the subscription is closed.
	C <-chan speaker.Event

	ch      chan speaker.Event
	room    *Room
	dropped atomic.Uint64
}

// Dropped returns how many events were discarded because the subscriber was
// not keeping up.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes from the room and closes C. Safe to call more than once
// and concurrently with event delivery and room shutdown.
func (s *Subscription) Close() {
	s.room.mu.Lock()
	_, registered := s.room.subs[s]
	if registered {
		delete(s.room.subs, s)
		close(s.ch)
	}
	s.room.mu.Unlock()

	if registered {
		s.room.metrics.EventSubscribers.Add(context.Background(), -1)
	}
}

// Subscribe registers a new event subscriber with the given buffer size
// (0 selects [DefaultSubscriptionBuffer]). Returns [ErrRoomClosed] once the
// room has shut down.
func (r *Room) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRoomClosed
	}
	ch := make(chan speaker.Event, buffer)
	s := &Subscription{C: ch, ch: ch, room: r}
	r.subs[s] = struct{}{}
	r.mu.Unlock()

	r.metrics.EventSubscribers.Add(context.Background(), 1)
	return s, nil
}

// fanout is the detector callback: it records the decision metric and
// delivers the event to every subscriber without blocking. The final stopped
// event closes all subscriber channels.
//
// Sends happen under the room lock. They are non-blocking, so the lock is
// held only for the O(subscribers) buffered sends, and a concurrent
// [Subscription.Close] can never close a channel between the membership
// check and the send.
func (r *Room) fanout(ev speaker.Event) {
	ctx := context.Background()
	stopping := ev.Type == speaker.EventStopped
	if !stopping {
		r.metrics.RecordSpeakerChange(ctx, r.name, ev.Type.String())
	}

	r.mu.Lock()
	for s := range r.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			slog.Warn("subscriber lagging, event dropped",
				"room", r.name, "event", ev.Type.String(), "dropped", s.dropped.Load())
		}
	}
	var closed int64
	if stopping {
		r.closed = true
		for s := range r.subs {
			close(s.ch)
			delete(r.subs, s)
			closed++
		}
	}
	r.mu.Unlock()

	if closed > 0 {
		r.metrics.EventSubscribers.Add(ctx, -closed)
	}
}
