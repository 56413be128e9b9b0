// Package speech turns text into audio and plays it through the engine.
//
// A [Synthesizer] produces mono 16-bit samples; [Piper] and [Espeak] wrap the
// piper and espeak-ng command-line tools, and [Fallback] chains several
// synthesizers behind per-backend circuit breakers. A [Speaker] owns a queue
// of utterances and a single worker that mutes the microphone monitor, plays
// each utterance and unmutes again.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/autokj/pkg/audio"
)

// Synthesizer renders text to mono signed 16-bit samples.
type Synthesizer interface {
	// Synthesize returns the samples and their sample rate.
	Synthesize(ctx context.Context, text string) ([]int16, int, error)
}

// DefaultRate is the output rate of the usual piper voices and espeak-ng.
const DefaultRate = 22050

// ErrNoAudio is returned when a backend ran successfully but produced no
// samples.
var ErrNoAudio = errors.New("speech: synthesizer produced no audio")

// waitDelay bounds how long a killed synthesizer may keep its pipes open.
const waitDelay = time.Second

// run executes cmd with stdin and returns its standard output. Errors carry
// the tool's standard error output.
func run(ctx context.Context, cmd *exec.Cmd, stdin io.Reader) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// ─── Piper ────────────────────────────────────────────────────────────────────

// Piper runs the piper neural TTS with raw output. Text is passed on stdin.
type Piper struct {
	// Bin is the piper executable. Default: "piper".
	Bin string

	// Model is the path to the .onnx voice model. Required.
	Model string

	// Rate is the model's sample rate. Default: [DefaultRate].
	Rate int
}

var _ Synthesizer = (*Piper)(nil)

// Synthesize implements [Synthesizer].
func (p *Piper) Synthesize(ctx context.Context, text string) ([]int16, int, error) {
	if p.Model == "" {
		return nil, 0, errors.New("speech: piper: no model configured")
	}
	bin := p.Bin
	if bin == "" {
		bin = "piper"
	}
	rate := p.Rate
	if rate <= 0 {
		rate = DefaultRate
	}

	cmd := exec.CommandContext(ctx, bin, "--model", p.Model, "--output-raw")
	out, err := run(ctx, cmd, strings.NewReader(text))
	if err != nil {
		return nil, 0, fmt.Errorf("speech: piper: %w", err)
	}
	samples := audio.BytesToPCM16(out)
	if len(samples) == 0 {
		return nil, 0, fmt.Errorf("speech: piper: %w", ErrNoAudio)
	}
	return samples, rate, nil
}

// ─── espeak-ng ────────────────────────────────────────────────────────────────

// Espeak runs espeak-ng and decodes the WAV it writes to stdout.
type Espeak struct {
	// Bin is the espeak-ng executable. Default: "espeak-ng".
	Bin string

	// Voice is passed as -v when set.
	Voice string

	// WordsPerMinute is passed as -s when positive.
	WordsPerMinute int
}

var _ Synthesizer = (*Espeak)(nil)

// Args returns the espeak-ng command line for text (without the binary).
func (e *Espeak) Args(text string) []string {
	args := []string{"--stdout"}
	if e.Voice != "" {
		args = append(args, "-v", e.Voice)
	}
	if e.WordsPerMinute > 0 {
		args = append(args, "-s", strconv.Itoa(e.WordsPerMinute))
	}
	return append(args, "--", text)
}

// Synthesize implements [Synthesizer].
func (e *Espeak) Synthesize(ctx context.Context, text string) ([]int16, int, error) {
	bin := e.Bin
	if bin == "" {
		bin = "espeak-ng"
	}
	out, err := run(ctx, exec.CommandContext(ctx, bin, e.Args(text)...), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("speech: espeak: %w", err)
	}
	samples, rate, err := DecodeWAV(out)
	if err != nil {
		return nil, 0, fmt.Errorf("speech: espeak: %w", err)
	}
	return samples, rate, nil
}

// DecodeWAV decodes a PCM WAV file to mono 16-bit samples. Only the first
// channel of multi-channel files is kept; other bit depths are rescaled.
func DecodeWAV(b []byte) ([]int16, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(b))
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav data")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	samples := monoPCM16(buf, int(dec.BitDepth))
	if len(samples) == 0 {
		return nil, 0, ErrNoAudio
	}
	return samples, int(dec.SampleRate), nil
}

func monoPCM16(buf *goaudio.IntBuffer, bitDepth int) []int16 {
	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 1 {
		channels = buf.Format.NumChannels
	}
	shift := bitDepth - 16
	out := make([]int16, len(buf.Data)/channels)
	for i := range out {
		v := buf.Data[i*channels]
		switch {
		case bitDepth == 8:
			// 8-bit WAV is unsigned.
			v = (v - 128) << 8
		case shift > 0:
			v >>= shift
		case shift < 0:
			v <<= -shift
		}
		out[i] = int16(v)
	}
	return out
}
