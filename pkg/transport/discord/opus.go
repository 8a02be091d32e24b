package discord

import (
	"fmt"

	"layeh.com/gopus"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * 20 / 1000 // 960
)

// frameDecoder decodes one participant's Opus packets into PCM samples. It is
// an interface so monitor tests can run without the cgo-backed codec.
type frameDecoder interface {
	Decode(opus []byte) ([]int16, error)
}

// opusDecoder wraps a gopus Opus decoder for a single participant stream.
// Each SSRC gets its own decoder to maintain decoder state correctly across
// consecutive frames.
type opusDecoder struct {
	dec *gopus.Decoder
}

// newOpusDecoder creates an Opus decoder configured for Discord audio.
func newOpusDecoder() (frameDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// Decode decodes an Opus packet into interleaved PCM int16 samples.
func (d *opusDecoder) Decode(opus []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(opus, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return pcm, nil
}
