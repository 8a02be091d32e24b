package discord

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hearsay-audio/talkstick/pkg/audio"
	"github.com/hearsay-audio/talkstick/pkg/speaker"
)

// Monitor consumes the Opus receive stream of one voice channel and turns it
// into activity samples for a [SampleSink].
//
// Monitor is safe for concurrent use.
type Monitor struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string
	sink    SampleSink

	mu       sync.Mutex
	ssrcUser map[uint32]string // SSRC -> userID, from VoiceSpeakingUpdate
	userSSRC map[string]uint32
	// decoders holds one stateful Opus decoder per SSRC. An entry also
	// marks the SSRC as registered with the sink: dropping the entry makes
	// the next packet re-register the source.
	decoders map[uint32]frameDecoder

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// Test seams: default to the real implementations.
	newDecoder   func() (frameDecoder, error)
	disconnectVC func() error
	now          func() time.Time
}

// newMonitor wires a Monitor to an already-joined voice channel and starts
// its receive loop.
func newMonitor(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string, sink SampleSink) (*Monitor, error) {
	m := &Monitor{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		sink:         sink,
		ssrcUser:     make(map[uint32]string),
		userSSRC:     make(map[string]uint32),
		decoders:     make(map[uint32]frameDecoder),
		done:         make(chan struct{}),
		newDecoder:   newOpusDecoder,
		disconnectVC: vc.Disconnect,
		now:          time.Now,
	}

	// VoiceSpeakingUpdate supplies the SSRC↔user mapping; VoiceStateUpdate
	// tells us when a participant leaves so their source can be removed.
	vc.AddHandler(m.handleSpeakingUpdate)
	m.removeHandler = session.AddHandler(m.handleVoiceStateUpdate)

	go m.recvLoop()
	return m, nil
}

// Close tears down the voice connection, stops the receive loop, and removes
// every source this monitor registered. Safe to call more than once;
// subsequent calls return nil.
func (m *Monitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)

		if m.removeHandler != nil {
			m.removeHandler()
		}
		if m.disconnectVC != nil {
			err = m.disconnectVC()
		}

		ctx := context.Background()
		m.mu.Lock()
		for ssrc := range m.decoders {
			m.sink.RemoveSource(ctx, speaker.ID(ssrc))
		}
		clear(m.decoders)
		clear(m.ssrcUser)
		clear(m.userSSRC)
		m.mu.Unlock()
	})
	return err
}

// recvLoop reads Opus packets from the voice connection, decodes them, and
// delivers one level sample per frame.
func (m *Monitor) recvLoop() {
	for {
		select {
		case <-m.done:
			return
		case pkt, ok := <-m.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			m.handlePacket(pkt)
		}
	}
}

// handlePacket processes one received Opus packet.
func (m *Monitor) handlePacket(pkt *discordgo.Packet) {
	ssrc := pkt.SSRC

	m.mu.Lock()
	dec, exists := m.decoders[ssrc]
	m.mu.Unlock()
	if !exists {
		var err error
		dec, err = m.newDecoder()
		if err != nil {
			slog.Error("discord: failed to create opus decoder", "ssrc", ssrc, "err", err)
			return
		}

		// First packet from this SSRC — register it as a source. A
		// duplicate means the SSRC was already registered via a speaking
		// update race, which is fine.
		if err := m.register(ssrc, dec); err != nil && !errors.Is(err, speaker.ErrDuplicateSource) {
			slog.Warn("discord: cannot register source", "ssrc", ssrc, "err", err)
			return
		}
	}

	pcm, err := dec.Decode(pkt.Opus)
	if err != nil {
		slog.Warn("discord: opus decode error", "ssrc", ssrc, "err", err)
		return
	}

	level := audio.LevelDBov(pcm)
	if err := m.sink.DeliverSample(context.Background(), speaker.ID(ssrc), level, m.now()); err != nil {
		// Caller-bug class errors are logged and dropped so a stale packet
		// cannot destabilise the receive loop.
		slog.Debug("discord: sample dropped", "ssrc", ssrc, "err", err)
	}
}

// register adds the SSRC to the sink and records its decoder and mapping
// entries together, so a concurrent removal sees either all of them or none.
func (m *Monitor) register(ssrc uint32, dec frameDecoder) error {
	if err := m.sink.AddSource(context.Background(), speaker.ID(ssrc)); err != nil {
		return err
	}
	m.mu.Lock()
	m.decoders[ssrc] = dec
	if _, known := m.ssrcUser[ssrc]; !known {
		m.ssrcUser[ssrc] = "" // user identity filled in by speaking updates
	}
	m.mu.Unlock()
	return nil
}

// handleSpeakingUpdate records the SSRC↔user mapping Discord announces when a
// participant starts transmitting.
func (m *Monitor) handleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.SSRC < 0 {
		return
	}
	ssrc := uint32(su.SSRC)

	m.mu.Lock()
	m.ssrcUser[ssrc] = su.UserID
	m.userSSRC[su.UserID] = ssrc
	m.mu.Unlock()
}

// handleVoiceStateUpdate removes a participant's source when they leave the
// monitored channel.
func (m *Monitor) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.GuildID != m.guildID {
		return
	}

	channelID := m.vc.ChannelID

	// Only departures matter: the participant was in our channel and is no
	// longer.
	if vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID || vsu.ChannelID == channelID {
		return
	}

	m.mu.Lock()
	ssrc, known := m.userSSRC[vsu.UserID]
	var unmapped []uint32
	if !known {
		for s, u := range m.ssrcUser {
			if u == "" {
				unmapped = append(unmapped, s)
			}
		}
	}
	m.mu.Unlock()

	if known {
		m.removeSource(ssrc)
		slog.Debug("discord: participant left, source removed", "user", vsu.UserID, "ssrc", ssrc)
		return
	}

	// The leaver's SSRC was never announced by a speaking update, so it
	// cannot be attributed. Drop every still-unmapped source: the leaver's
	// is gone for good, and any other participant's re-registers on their
	// next packet.
	for _, s := range unmapped {
		m.removeSource(s)
		slog.Debug("discord: unmapped source pruned on leave", "user", vsu.UserID, "ssrc", s)
	}
}

// removeSource drops the SSRC's decoder, user mappings, and sink
// registration.
func (m *Monitor) removeSource(ssrc uint32) {
	m.mu.Lock()
	if user, ok := m.ssrcUser[ssrc]; ok && user != "" {
		delete(m.userSSRC, user)
	}
	delete(m.ssrcUser, ssrc)
	delete(m.decoders, ssrc)
	m.mu.Unlock()

	m.sink.RemoveSource(context.Background(), speaker.ID(ssrc))
}

// UserForSSRC returns the Discord user ID transmitting with the given SSRC,
// if a speaking update has announced it yet.
func (m *Monitor) UserForSSRC(ssrc uint32) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.ssrcUser[ssrc]
	if !ok || user == "" {
		return "", false
	}
	return user, true
}
