// Package discord feeds active-speaker detection from a Discord voice channel
// via the bwmarrin/discordgo library. It joins the channel in listen-only mode,
// demuxes incoming Opus packets by synchronization source (SSRC), decodes each
// 20 ms frame, measures its dBov level, and delivers the result as an activity
// sample. SSRCs double as detector source IDs, registered on the first packet
// seen and removed when the participant leaves the channel.
//
// The platform requires an active *discordgo.Session (owned by the caller)
// and a guild ID. Each call to [Platform.Connect] joins one voice channel and
// returns a running [Monitor].
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Platform creates voice-channel monitors for one guild.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
}

// New creates a Platform for the given session and guild.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
	}
}

// Connect joins the voice channel identified by channelID in listen-only mode
// and starts a [Monitor] that delivers activity samples to sink. The supplied
// ctx governs the connection-setup phase only; once the Monitor is returned it
// lives until [Monitor.Close] is called.
func (p *Platform) Connect(ctx context.Context, channelID string, sink SampleSink) (*Monitor, error) {
	// mute=true (we never send audio), deaf=false (we receive it).
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	m, err := newMonitor(vc, p.session, p.guildID, sink)
	if err != nil {
		_ = vc.Disconnect()
		return nil, fmt.Errorf("discord: create monitor: %w", err)
	}
	return m, nil
}
