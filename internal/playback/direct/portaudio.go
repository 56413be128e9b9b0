//go:build portaudio

package direct

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioAvailable reports whether this build includes PortAudio support.
const PortAudioAvailable = true

// portaudioBlock is the number of frames written per blocking call.
const portaudioBlock = 1024

var paInit struct {
	once sync.Once
	err  error
}

// PortAudio plays through the default output device using a blocking
// PortAudio stream. The library is initialised once per process.
type PortAudio struct{}

var _ Player = PortAudio{}

// Play implements [Player]. Cancellation is checked between blocks.
func (PortAudio) Play(ctx context.Context, samples []int16, rate int) error {
	if len(samples) == 0 {
		return nil
	}
	paInit.once.Do(func() { paInit.err = portaudio.Initialize() })
	if paInit.err != nil {
		return fmt.Errorf("direct: portaudio init: %w", paInit.err)
	}

	buf := make([]int16, portaudioBlock)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), len(buf), &buf)
	if err != nil {
		return fmt.Errorf("direct: portaudio open: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("direct: portaudio start: %w", err)
	}
	defer stream.Stop()

	for pos := 0; pos < len(samples); pos += len(buf) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("direct: portaudio: %w", err)
		}
		n := copy(buf, samples[pos:])
		clear(buf[n:])
		if err := stream.Write(); err != nil {
			return fmt.Errorf("direct: portaudio write: %w", err)
		}
	}
	return nil
}
