package room

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hearsay-audio/talkstick/pkg/speaker"
)

func newTestRoom(t *testing.T, opts ...speaker.Option) *Room {
	t.Helper()
	mgr := newTestManager(t, ManagerConfig{DetectorOptions: opts})
	r, err := mgr.Get("test")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return r
}

func TestDeliverSampleDrivesDetector(t *testing.T) {
	t.Parallel()

	r := newTestRoom(t)
	ctx := context.Background()

	if err := r.AddSource(ctx, 11); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if err := r.AddSource(ctx, 11); !errors.Is(err, speaker.ErrDuplicateSource) {
		t.Errorf("duplicate AddSource = %v, want ErrDuplicateSource", err)
	}

	driveActive(t, r, 11, t0)

	if got, ok := r.ActiveSpeaker(); !ok || got != 11 {
		t.Errorf("ActiveSpeaker = (%d, %t), want (11, true)", got, ok)
	}
	if n := r.SourceCount(); n != 1 {
		t.Errorf("SourceCount = %d, want 1", n)
	}
	if st := r.Stats(); st.SamplesAccepted == 0 {
		t.Errorf("Stats = %+v, want accepted samples", st)
	}
}

func TestDeliverSampleUnknownSource(t *testing.T) {
	t.Parallel()

	r := newTestRoom(t)
	err := r.DeliverSample(context.Background(), 99, 0, t0)
	if !errors.Is(err, speaker.ErrUnknownSource) {
		t.Errorf("DeliverSample = %v, want ErrUnknownSource", err)
	}
}

func TestRemoveSourceIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRoom(t)
	ctx := context.Background()

	if err := r.AddSource(ctx, 1); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	r.RemoveSource(ctx, 1)
	r.RemoveSource(ctx, 1)
	r.RemoveSource(ctx, 42)

	if n := r.SourceCount(); n != 0 {
		t.Errorf("SourceCount = %d, want 0", n)
	}
}

func TestSubscriberReceivesChanges(t *testing.T) {
	t.Parallel()

	r := newTestRoom(t)
	ctx := context.Background()
	if err := r.AddSource(ctx, 5); err != nil {
		t.Fatalf("AddSource: %v", err)
	}

	sub, err := r.Subscribe(0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// Dispatch is synchronous: once the sample call returns, the event is
	// buffered.
	driveActive(t, r, 5, t0)

	select {
	case ev := <-sub.C:
		if ev.Type != speaker.EventSpeakerChanged || ev.Source != 5 {
			t.Errorf("event = %+v, want changed/5", ev)
		}
	default:
		t.Fatal("no event buffered after the change committed")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	r := newTestRoom(t, speaker.WithMinChangePeriod(0))
	ctx := context.Background()
	for _, id := range []speaker.ID{1, 2} {
		if err := r.AddSource(ctx, id); err != nil {
			t.Fatalf("AddSource: %v", err)
		}
	}

	sub, err := r.Subscribe(1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// First change fills the one-slot buffer; the second must be dropped
	// without blocking the sample path.
	ts := driveActive(t, r, 1, t0)
	driveActive(t, r, 2, ts.Add(20*time.Millisecond))

	if got := sub.Dropped(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}

	ev := <-sub.C
	if ev.Type != speaker.EventSpeakerChanged || ev.Source != 1 {
		t.Errorf("buffered event = %+v, want changed/1", ev)
	}
}

func TestSubscriptionCloseDuringFanout(t *testing.T) {
	t.Parallel()

	r := newTestRoom(t)

	// Subscribers churn while events are being delivered. A Close racing a
	// delivery must never make the delivery path send on a closed channel.
	const iterations = 2000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range iterations {
			sub, err := r.Subscribe(1)
			if err != nil {
				return
			}
			sub.Close()
		}
	}()

	ev := speaker.Event{Type: speaker.EventSpeakerChanged, Source: 1, Time: t0}
	for range iterations {
		r.fanout(ev)
	}
	<-done
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRoom(t)
	sub, err := r.Subscribe(0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sub.Close()
	sub.Close()

	if _, ok := <-sub.C; ok {
		t.Error("channel still open after Close")
	}
}

func TestSubscribeAfterShutdownFails(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, ManagerConfig{})
	r, err := mgr.Get("test")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := r.Subscribe(0); !errors.Is(err, ErrRoomClosed) {
		t.Errorf("Subscribe after shutdown = %v, want ErrRoomClosed", err)
	}
}
