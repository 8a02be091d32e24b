package discord

import (
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hearsay-audio/talkstick/pkg/speaker"
)

// fakeDecoder returns a fixed PCM frame regardless of input, letting tests
// control the measured level without the cgo codec.
type fakeDecoder struct {
	pcm []int16
}

func (f *fakeDecoder) Decode([]byte) ([]int16, error) {
	return f.pcm, nil
}

// loudFrame is a constant-amplitude frame measuring roughly -10 dBov.
func loudFrame() []int16 {
	pcm := make([]int16, opusFrameSize*opusChannels)
	for i := range pcm {
		pcm[i] = 10362 // 32768 × 10^(-10/20)
	}
	return pcm
}

// newTestMonitor builds a Monitor around a fake voice connection and a
// detector tuned for fast floor changes.
func newTestMonitor(t *testing.T) (*Monitor, *speaker.Detector, chan *discordgo.Packet) {
	t.Helper()

	det := speaker.New(
		speaker.WithMinChangePeriod(0),
		speaker.WithMinActivation(1),
	)
	recv := make(chan *discordgo.Packet, 64)
	vc := &discordgo.VoiceConnection{
		OpusRecv:  recv,
		ChannelID: "chan-test",
	}

	var clock struct {
		mu  sync.Mutex
		now time.Time
	}
	clock.now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	m := &Monitor{
		vc:           vc,
		session:      &discordgo.Session{},
		guildID:      "guild-test",
		sink:         DetectorSink{Detector: det},
		ssrcUser:     make(map[uint32]string),
		userSSRC:     make(map[string]uint32),
		decoders:     make(map[uint32]frameDecoder),
		done:         make(chan struct{}),
		newDecoder:   func() (frameDecoder, error) { return &fakeDecoder{pcm: loudFrame()}, nil },
		disconnectVC: func() error { return nil },
		now: func() time.Time {
			clock.mu.Lock()
			defer clock.mu.Unlock()
			clock.now = clock.now.Add(20 * time.Millisecond)
			return clock.now
		},
	}
	go m.recvLoop()
	t.Cleanup(func() { _ = m.Close() })
	return m, det, recv
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestMonitorRegistersSourceOnFirstPacket(t *testing.T) {
	t.Parallel()

	_, det, recv := newTestMonitor(t)
	recv <- &discordgo.Packet{SSRC: 111, Opus: []byte{0x01}}

	waitFor(t, func() bool { return det.SourceCount() == 1 })
}

func TestMonitorDrivesActiveSpeaker(t *testing.T) {
	t.Parallel()

	_, det, recv := newTestMonitor(t)
	for range 5 {
		recv <- &discordgo.Packet{SSRC: 111, Opus: []byte{0x01}}
	}

	waitFor(t, func() bool {
		id, ok := det.ActiveSpeaker()
		return ok && id == 111
	})
}

func TestMonitorSpeakingUpdateMapsUser(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMonitor(t)
	m.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{
		UserID: "user-1", SSRC: 222, Speaking: true,
	})

	user, ok := m.UserForSSRC(222)
	if !ok || user != "user-1" {
		t.Errorf("UserForSSRC(222) = %q,%v, want user-1,true", user, ok)
	}
}

func TestMonitorRemovesSourceOnLeave(t *testing.T) {
	t.Parallel()

	m, det, recv := newTestMonitor(t)

	m.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "user-1", SSRC: 111})
	recv <- &discordgo.Packet{SSRC: 111, Opus: []byte{0x01}}
	waitFor(t, func() bool { return det.SourceCount() == 1 })

	m.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{
			GuildID:   "guild-test",
			UserID:    "user-1",
			ChannelID: "elsewhere",
		},
		BeforeUpdate: &discordgo.VoiceState{
			GuildID:   "guild-test",
			UserID:    "user-1",
			ChannelID: "chan-test",
		},
	})

	if n := det.SourceCount(); n != 0 {
		t.Errorf("SourceCount = %d after leave, want 0", n)
	}
}

func TestMonitorPrunesUnmappedSourceOnLeave(t *testing.T) {
	t.Parallel()

	m, det, recv := newTestMonitor(t)

	// Registered by first packet only; no speaking update ever maps the
	// SSRC onto a user.
	recv <- &discordgo.Packet{SSRC: 333, Opus: []byte{0x01}}
	waitFor(t, func() bool { return det.SourceCount() == 1 })

	m.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{
			GuildID:   "guild-test",
			UserID:    "user-gone",
			ChannelID: "elsewhere",
		},
		BeforeUpdate: &discordgo.VoiceState{
			GuildID:   "guild-test",
			UserID:    "user-gone",
			ChannelID: "chan-test",
		},
	})

	if n := det.SourceCount(); n != 0 {
		t.Errorf("SourceCount = %d after unattributable leave, want 0", n)
	}

	// A still-present participant pruned by mistake comes back on their
	// next packet.
	recv <- &discordgo.Packet{SSRC: 333, Opus: []byte{0x01}}
	waitFor(t, func() bool { return det.SourceCount() == 1 })
}

func TestMonitorCloseIdempotent(t *testing.T) {
	t.Parallel()

	m, det, recv := newTestMonitor(t)
	recv <- &discordgo.Packet{SSRC: 111, Opus: []byte{0x01}}
	waitFor(t, func() bool { return det.SourceCount() == 1 })

	for i := range 3 {
		if err := m.Close(); err != nil {
			t.Fatalf("Close[%d]: %v", i, err)
		}
	}
	if n := det.SourceCount(); n != 0 {
		t.Errorf("SourceCount = %d after close, want 0", n)
	}
}
