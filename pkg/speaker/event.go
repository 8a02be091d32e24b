package speaker

import "time"

// EventType enumerates the notifications a [Detector] emits.
type EventType int

const (
	// EventSpeakerChanged reports that a new source took the floor. Source
	// carries the winner's identifier.
	EventSpeakerChanged EventType = iota

	// EventSpeakerIdle reports a committed change to "no active speaker":
	// every source decayed below the activation threshold.
	EventSpeakerIdle

	// EventStopped is the final event emitted exactly once by
	// [Detector.Shutdown].
	EventStopped
)

// String returns the wire/log name of the event type.
func (t EventType) String() string {
	switch t {
	case EventSpeakerChanged:
		return "changed"
	case EventSpeakerIdle:
		return "idle"
	case EventStopped:
		return "stopped"
	}
	return "unknown"
}

// Event is one active-speaker notification. Source is meaningful only for
// [EventSpeakerChanged].
type Event struct {
	Type   EventType
	Source ID
	Time   time.Time
}

// Stats is a point-in-time snapshot of a detector's diagnostic counters.
type Stats struct {
	// SamplesAccepted counts samples that passed the noise gate.
	SamplesAccepted uint64

	// SamplesGated counts samples rejected as below the gating threshold.
	SamplesGated uint64

	// SamplesUnknown counts samples delivered for unregistered sources.
	SamplesUnknown uint64

	// Changes counts committed active-speaker changes (including changes
	// to idle).
	Changes uint64

	// ChangesSuppressed counts candidate changes suppressed by the
	// minimum-change-period debounce.
	ChangesSuppressed uint64
}
