// Package playback injects finished audio buffers (typically synthesized
// speech) into the audio server's physical outputs.
//
// Each [Injector.Play] call opens its own short-lived client with two output
// ports, streams the buffer across real-time callbacks and tears the client
// down again. The main capture client is never involved, so playback can run
// while frames keep flowing.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/autokj/internal/audioserver"
	"github.com/MrWong99/autokj/internal/observe"
	"github.com/MrWong99/autokj/pkg/audio"
)

// ErrPlaybackTimeout is returned by [Injector.Play] when the buffer did not
// finish within its duration plus the completion slack. The client is torn
// down regardless.
var ErrPlaybackTimeout = errors.New("playback: completion wait timed out")

// ClientPrefix is prepended to a random suffix to name playback clients.
const ClientPrefix = "autokj-tts-"

const (
	// DefaultCompletionSlack is added to the buffer duration when waiting for
	// the last block to be rendered.
	DefaultCompletionSlack = time.Second

	// DefaultDrainDelay lets the final period leave the server before the
	// client is deactivated.
	DefaultDrainDelay = 50 * time.Millisecond
)

// Option configures an [Injector].
type Option func(*Injector)

// WithCompletionSlack overrides [DefaultCompletionSlack].
func WithCompletionSlack(d time.Duration) Option {
	return func(i *Injector) { i.slack = d }
}

// WithDrainDelay overrides [DefaultDrainDelay].
func WithDrainDelay(d time.Duration) Option {
	return func(i *Injector) { i.drain = d }
}

// WithMetrics records playback outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(i *Injector) { i.metrics = m }
}

// Injector plays buffers through short-lived audio server clients. It is
// safe for concurrent use; concurrent calls mix on the server.
type Injector struct {
	server  audioserver.Server
	slack   time.Duration
	drain   time.Duration
	metrics *observe.Metrics
}

// New returns an Injector that opens clients on server.
func New(server audioserver.Server, opts ...Option) *Injector {
	i := &Injector{
		server: server,
		slack:  DefaultCompletionSlack,
		drain:  DefaultDrainDelay,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// PlayPCM16 normalises samples by 1/32768 and plays them like [Injector.Play].
func (i *Injector) PlayPCM16(ctx context.Context, samples []int16, sourceRate int) error {
	return i.Play(ctx, audio.PCM16ToFloats(samples), sourceRate)
}

// Play resamples samples from sourceRate to the server rate by nearest
// index, plays them on the first two physical playback ports and blocks
// until the last block was rendered, the duration plus slack elapsed, or ctx
// is done. An empty buffer returns immediately.
func (i *Injector) Play(ctx context.Context, samples []float32, sourceRate int) error {
	if len(samples) == 0 {
		return nil
	}
	if sourceRate <= 0 {
		return fmt.Errorf("playback: invalid source rate %d", sourceRate)
	}

	name := ClientPrefix + uuid.NewString()[:8]
	client, err := i.server.Open(name)
	if err != nil {
		i.record(ctx, 0, "error")
		return fmt.Errorf("playback: open client: %w", err)
	}
	log := slog.With("client", client.Name())

	started := time.Now()
	status := "error"
	defer func() {
		if i.drain > 0 {
			time.Sleep(i.drain)
		}
		if err := client.Deactivate(); err != nil {
			log.Warn("playback: deactivate failed", "err", err)
		}
		if err := client.Close(); err != nil {
			log.Warn("playback: close failed", "err", err)
		}
		i.record(ctx, time.Since(started).Seconds(), status)
	}()

	rate := client.SampleRate()
	data := audio.ResampleNearest(samples, sourceRate, rate)

	left, err := client.RegisterPort("out_L", audioserver.Output)
	if err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	right, err := client.RegisterPort("out_R", audioserver.Output)
	if err != nil {
		return fmt.Errorf("playback: %w", err)
	}

	s := newStream(data, left, right)
	if err := client.SetProcessor(s); err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	if err := client.Activate(); err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	connectOutputs(log, client, left, right)

	duration := audio.SamplesDuration(len(data), rate)
	wait := duration + i.slack
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-s.done:
		if reason := s.shutdownReason(); reason != "" {
			return fmt.Errorf("playback: server shut down: %s", reason)
		}
		status = "ok"
		log.Debug("playback: finished", "duration", duration)
		return nil
	case <-timer.C:
		status = "timeout"
		log.Warn("playback: completion wait expired", "duration", duration, "waited", wait)
		return fmt.Errorf("%w after %s", ErrPlaybackTimeout, wait)
	case <-ctx.Done():
		status = "cancelled"
		return fmt.Errorf("playback: %w", ctx.Err())
	}
}

func (i *Injector) record(ctx context.Context, seconds float64, status string) {
	if i.metrics == nil {
		return
	}
	i.metrics.RecordPlayback(context.WithoutCancel(ctx), seconds, status)
}

// connectOutputs wires out_L and out_R to the first two physical playback
// ports. Failures are logged and playback continues unheard.
func connectOutputs(log *slog.Logger, client audioserver.Client, left, right audioserver.Port) {
	sinks := client.Ports(audioserver.PortQuery{Direction: audioserver.Input, Physical: true})
	for n, p := range []audioserver.Port{left, right} {
		if n >= len(sinks) {
			warn := &audioserver.ConnectError{Src: p.Name(), Err: audioserver.ErrNoPort}
			log.Warn("playback: port connection warning", "err", warn)
			continue
		}
		if err := client.Connect(p.Name(), sinks[n]); err != nil {
			log.Warn("playback: port connection warning", "err", err)
		}
	}
}

// ─── Real-time stream ─────────────────────────────────────────────────────────

// stream renders a fixed buffer into two ports, one period per callback.
// pos is only touched by the callback thread.
type stream struct {
	data        []float32
	pos         int
	left, right audioserver.Port

	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	reason string
}

var _ audioserver.Processor = (*stream)(nil)

func newStream(data []float32, left, right audioserver.Port) *stream {
	return &stream{data: data, left: left, right: right, done: make(chan struct{})}
}

// OnProcess copies the next period into both ports, zero-padding the last
// partial block. The block in which the data runs out signals completion.
func (s *stream) OnProcess(nframes int) {
	l := s.left.Buffer(nframes)
	r := s.right.Buffer(nframes)

	start := min(s.pos, len(s.data))
	end := min(s.pos+nframes, len(s.data))
	n := copy(l, s.data[start:end])
	clear(l[n:])
	copy(r, l)
	s.pos += nframes

	if n < nframes {
		s.finish()
	}
}

// OnShutdown releases the waiting caller early.
func (s *stream) OnShutdown(reason string) {
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	s.finish()
}

func (s *stream) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *stream) shutdownReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
