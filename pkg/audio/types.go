// Package audio defines the sample formats and conversion helpers shared by
// the autokj capture and playback paths.
//
// Two representations flow through the system:
//
//   - Native blocks: mono float32 samples at [NativeRate], produced once per
//     audio-server callback and owned by that callback.
//   - [Frame]: exactly [FrameSize] int16 samples at [FrameRate], the unit
//     handed to speech consumers (wake word, speech-to-text).
//
// This package lives under pkg/ because consumers running outside the engine
// (for example the frame streaming clients) decode the same wire format.
package audio

import "time"

const (
	// NativeRate is the audio server's operating sample rate in Hz.
	NativeRate = 48000

	// FrameRate is the sample rate of frames delivered to speech consumers.
	FrameRate = 16000

	// DecimationFactor is the ratio between NativeRate and FrameRate.
	DecimationFactor = NativeRate / FrameRate

	// FrameSize is the number of samples in one [Frame] (80 ms at FrameRate).
	FrameSize = 1280
)

// Frame is one fixed-size block of 16 kHz mono PCM. A Frame delivered by the
// engine always has length [FrameSize] and must not be modified by receivers.
type Frame []int16

// Duration returns the playback duration of f at [FrameRate].
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f), FrameRate)
}

// SamplesDuration returns how long n samples last at rate Hz. A non-positive
// rate yields zero.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
