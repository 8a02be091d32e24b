// Package audio provides the small amount of PCM math the transport adapters
// need to turn raw audio frames into the per-sample dBov levels the speaker
// engine consumes: int16/byte conversion, RMS measurement, and dBov mapping.
//
// Levels follow the RTP audio-level header extension convention: dBov relative
// to a full-scale square wave, clamped to [-127, 0], where 0 is the loudest
// representable signal and -127 is digital silence.
package audio

import "math"

const (
	// SilenceDBov is the level reported for an all-zero (or empty) frame.
	SilenceDBov = -127.0

	// fullScale is the peak magnitude of a signed 16-bit sample.
	fullScale = 32768.0
)

// RMS returns the root-mean-square amplitude of pcm in [0, 1], where 1
// corresponds to a full-scale signal. An empty frame measures 0.
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(pcm))) / fullScale
}

// DBov converts a normalised [0, 1] amplitude to dBov, clamped to
// [SilenceDBov, 0]. Zero amplitude maps to SilenceDBov.
func DBov(amplitude float64) float64 {
	if amplitude <= 0 {
		return SilenceDBov
	}
	db := 20 * math.Log10(amplitude)
	if db < SilenceDBov {
		return SilenceDBov
	}
	if db > 0 {
		return 0
	}
	return db
}

// LevelDBov measures the dBov level of a PCM frame. Shorthand for
// DBov(RMS(pcm)).
func LevelDBov(pcm []int16) float64 {
	return DBov(RMS(pcm))
}

// BytesToPCM16 converts little-endian bytes to int16 PCM samples. A trailing
// odd byte is ignored.
func BytesToPCM16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// PCM16ToBytes converts int16 PCM samples to little-endian bytes.
func PCM16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
