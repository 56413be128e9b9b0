//go:build !portaudio

package direct

import (
	"context"
	"errors"
)

// PortAudioAvailable reports whether this build includes PortAudio support.
const PortAudioAvailable = false

// ErrPortAudioUnavailable is returned by [PortAudio.Play] in builds without
// the portaudio tag.
var ErrPortAudioUnavailable = errors.New("direct: built without portaudio support")

// PortAudio is a stub; build with -tags portaudio for the real player.
type PortAudio struct{}

var _ Player = PortAudio{}

// Play always fails with [ErrPortAudioUnavailable].
func (PortAudio) Play(context.Context, []int16, int) error {
	return ErrPortAudioUnavailable
}
