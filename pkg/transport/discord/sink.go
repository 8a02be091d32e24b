package discord

import (
	"context"
	"time"

	"github.com/hearsay-audio/talkstick/pkg/speaker"
)

// SampleSink receives source registrations and activity samples from a
// [Monitor]. Implemented by the room layer; [DetectorSink] adapts a bare
// detector for callers that do not need per-room bookkeeping.
type SampleSink interface {
	AddSource(ctx context.Context, id speaker.ID) error
	RemoveSource(ctx context.Context, id speaker.ID)
	DeliverSample(ctx context.Context, id speaker.ID, level float64, ts time.Time) error
}

// DetectorSink adapts a [speaker.Detector] to the [SampleSink] interface.
type DetectorSink struct {
	Detector *speaker.Detector
}

var _ SampleSink = DetectorSink{}

func (s DetectorSink) AddSource(_ context.Context, id speaker.ID) error {
	return s.Detector.AddSource(id)
}

func (s DetectorSink) RemoveSource(_ context.Context, id speaker.ID) {
	s.Detector.RemoveSource(id)
}

func (s DetectorSink) DeliverSample(_ context.Context, id speaker.ID, level float64, ts time.Time) error {
	return s.Detector.DeliverSample(id, level, ts)
}
