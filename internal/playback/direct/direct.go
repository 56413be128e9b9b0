// Package direct plays audio straight to an ALSA device, bypassing the
// audio server. It is the fallback for speech when no server is reachable or
// an injected playback fails.
package direct

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/MrWong99/autokj/pkg/audio"
)

// Player plays mono signed 16-bit samples and blocks until done.
type Player interface {
	Play(ctx context.Context, samples []int16, rate int) error
}

// DefaultAplayBin is the aplay binary looked up on PATH.
const DefaultAplayBin = "aplay"

// Aplay pipes raw little-endian S16 audio into aplay.
type Aplay struct {
	// Bin is the aplay executable. Default: [DefaultAplayBin].
	Bin string

	// Device is passed as -D when set.
	Device string
}

var _ Player = (*Aplay)(nil)

// Args returns the aplay command line for rate (without the binary).
func (a *Aplay) Args(rate int) []string {
	args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", strconv.Itoa(rate), "-c", "1"}
	if a.Device != "" {
		args = append(args, "-D", a.Device)
	}
	return args
}

// Play implements [Player]. Cancelling ctx kills aplay.
func (a *Aplay) Play(ctx context.Context, samples []int16, rate int) error {
	if len(samples) == 0 {
		return nil
	}
	if rate <= 0 {
		return fmt.Errorf("direct: invalid rate %d", rate)
	}
	bin := a.Bin
	if bin == "" {
		bin = DefaultAplayBin
	}

	cmd := exec.CommandContext(ctx, bin, a.Args(rate)...)
	cmd.WaitDelay = time.Second
	cmd.Stdin = bytes.NewReader(audio.PCM16Bytes(samples))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("direct: aplay: %w", ctx.Err())
		}
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return fmt.Errorf("direct: aplay: %w: %s", err, msg)
		}
		return fmt.Errorf("direct: aplay: %w", err)
	}
	return nil
}
