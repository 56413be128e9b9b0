// Package engine is the real-time audio client at the centre of autokj.
//
// An [Engine] owns one audio server client with a mono capture port and, in
// software monitor mode, a stereo pair of monitor outputs. Once per period
// the server calls [Engine.OnProcess] on its real-time thread, which
//
//  1. reads the capture block,
//  2. feeds the monitor outputs with gained, reverberated microphone audio
//     (or silence while muted),
//  3. decimates the block 3:1 to 16 kHz and pushes the result into a
//     [frames.Channel].
//
// Consumers pull fixed 1280-sample frames with [Engine.GetFrame]. Speech
// output goes through [Engine.PlayBuffer], which delegates to a
// [playback.Injector] on a separate short-lived client.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/autokj/internal/audioserver"
	"github.com/MrWong99/autokj/internal/frames"
	"github.com/MrWong99/autokj/internal/observe"
	"github.com/MrWong99/autokj/internal/playback"
	"github.com/MrWong99/autokj/pkg/audio"
	"github.com/MrWong99/autokj/pkg/audio/decimate"
	"github.com/MrWong99/autokj/pkg/audio/reverb"
)

// MonitorMode selects who renders the microphone monitor.
type MonitorMode string

const (
	// MonitorHardware leaves monitoring to the audio interface. No monitor
	// ports are registered.
	MonitorHardware MonitorMode = "hardware"

	// MonitorSoftware renders gained, reverberated microphone audio to two
	// monitor ports connected to the first physical playback ports.
	MonitorSoftware MonitorMode = "software"
)

// Port names registered on the engine's client.
const (
	PortCapture      = "mic_in"
	PortMonitorLeft  = "monitor_L"
	PortMonitorRight = "monitor_R"
)

// Defaults applied to zero-valued [Config] fields.
const (
	DefaultClientName  = "autokj"
	DefaultSettleDelay = 300 * time.Millisecond
	DefaultMicGain     = 1.0

	// maxPeriod sizes the scratch buffers allocated at Start. Larger periods
	// still work but allocate once on the real-time thread.
	maxPeriod = 4096
)

// Config configures an [Engine]. The zero value is usable.
type Config struct {
	// ClientName is the audio server client name.
	ClientName string

	// MonitorMode selects hardware or software monitoring. Empty means
	// software.
	MonitorMode MonitorMode

	// MonitorEnabled turns the software monitor on. With it off the monitor
	// ports carry silence.
	MonitorEnabled bool

	// MicGain scales the monitor signal before reverb.
	MicGain float32

	// ReverbWet is the reverb mix in [0,1]. Zero disables the reverb.
	ReverbWet float32

	// CaptureSource is an explicit output port to connect to mic_in.
	CaptureSource string

	// BridgeClient names the client whose first output port is the capture
	// source, typically "zita-a2j". Ignored when CaptureSource is set. When
	// both are empty the first physical capture port is used.
	BridgeClient string

	// SettleDelay is waited between activation and port connection.
	SettleDelay time.Duration

	// FrameCapacity is the frame channel size in 16 kHz samples.
	FrameCapacity int
}

func (c *Config) applyDefaults() {
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	if c.MonitorMode == "" {
		c.MonitorMode = MonitorSoftware
	}
	if c.MicGain <= 0 {
		c.MicGain = DefaultMicGain
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.FrameCapacity <= 0 {
		c.FrameCapacity = frames.DefaultCapacity
	}
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMetrics records frame and playback metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithInjector replaces the default [playback.Injector].
func WithInjector(inj *playback.Injector) Option {
	return func(e *Engine) { e.injector = inj }
}

// WithFramePollInterval sets how often frame waiters re-check the running
// flag.
func WithFramePollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// Engine is the real-time capture and monitor client.
type Engine struct {
	cfg          Config
	server       audioserver.Server
	injector     *playback.Injector
	metrics      *observe.Metrics
	pollInterval time.Duration

	frames *frames.Channel

	// Everything below is written in Start before activation and then only
	// touched by the real-time thread.
	micIn      audioserver.Port
	monL, monR audioserver.Port
	dec        *decimate.Decimator
	rev        *reverb.Reverb
	scratch    []float32
	pcm        []int16

	muted     atomic.Bool
	running   atomic.Bool
	callbacks atomic.Uint64

	mu       sync.Mutex
	started  bool
	err      error
	warnings []error

	stopped  chan struct{}
	stopOnce sync.Once

	closeMu sync.Mutex
	client  audioserver.Client
	closed  bool
}

var _ audioserver.Processor = (*Engine)(nil)

// New creates an Engine that will open its client on server.
func New(cfg Config, server audioserver.Server, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:     cfg,
		server:  server,
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.injector == nil {
		var injOpts []playback.Option
		if e.metrics != nil {
			injOpts = append(injOpts, playback.WithMetrics(e.metrics))
		}
		e.injector = playback.New(server, injOpts...)
	}
	frameOpts := []frames.Option{frames.WithCapacity(cfg.FrameCapacity)}
	if e.pollInterval > 0 {
		frameOpts = append(frameOpts, frames.WithPollInterval(e.pollInterval))
	}
	e.frames = frames.New(frameOpts...)
	return e
}

// Config returns the effective configuration with defaults applied.
func (e *Engine) Config() Config { return e.cfg }

// Start opens the client, registers ports, installs the real-time callbacks,
// activates, waits the settle delay and connects ports. Connection failures
// are logged as warnings and do not fail Start.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	e.started = true
	e.mu.Unlock()

	client, err := e.server.Open(e.cfg.ClientName)
	if err != nil {
		return fmt.Errorf("engine: open client: %w", err)
	}
	if err := e.setup(client); err != nil {
		_ = client.Close()
		return err
	}

	e.frames.Start()
	e.running.Store(true)
	if err := client.Activate(); err != nil {
		e.stop()
		_ = client.Close()
		return fmt.Errorf("engine: %w", err)
	}
	e.closeMu.Lock()
	e.client = client
	e.closeMu.Unlock()
	slog.Info("engine: client active",
		"client", client.Name(),
		"rate", client.SampleRate(),
		"monitor_mode", e.cfg.MonitorMode,
		"reverb_wet", e.rev.Wet(),
	)

	timer := time.NewTimer(e.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		e.Shutdown()
		return fmt.Errorf("engine: start: %w", ctx.Err())
	}

	e.connect(client)
	return nil
}

// setup prepares all real-time state before the client is activated.
func (e *Engine) setup(client audioserver.Client) error {
	rate := client.SampleRate()
	if rate != audio.NativeRate {
		return fmt.Errorf("engine: server runs at %d Hz, want %d", rate, audio.NativeRate)
	}

	var err error
	if e.micIn, err = client.RegisterPort(PortCapture, audioserver.Input); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if e.cfg.MonitorMode == MonitorSoftware {
		if e.monL, err = client.RegisterPort(PortMonitorLeft, audioserver.Output); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		if e.monR, err = client.RegisterPort(PortMonitorRight, audioserver.Output); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
	}

	e.dec = decimate.New()
	e.rev = reverb.New(rate, e.cfg.ReverbWet)
	e.scratch = make([]float32, maxPeriod)
	e.pcm = make([]int16, 0, decimate.OutputLen(maxPeriod))

	if err := client.SetProcessor(e); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// connect wires the capture source and the monitor outputs.
func (e *Engine) connect(client audioserver.Client) {
	src, err := e.captureSource(client)
	if err != nil {
		e.warn(err)
	} else if err := client.Connect(src, e.micIn.Name()); err != nil {
		e.warn(err)
	} else {
		slog.Info("engine: capture connected", "src", src, "dst", e.micIn.Name())
	}

	if e.cfg.MonitorMode != MonitorSoftware {
		return
	}
	sinks := client.Ports(audioserver.PortQuery{Direction: audioserver.Input, Physical: true})
	for n, p := range []audioserver.Port{e.monL, e.monR} {
		if n >= len(sinks) {
			e.warn(&PortConnectionError{Src: p.Name(), Err: audioserver.ErrNoPort})
			continue
		}
		if err := client.Connect(p.Name(), sinks[n]); err != nil {
			e.warn(err)
		}
	}
}

func (e *Engine) captureSource(client audioserver.Client) (string, error) {
	if e.cfg.CaptureSource != "" {
		return e.cfg.CaptureSource, nil
	}
	q := audioserver.PortQuery{Direction: audioserver.Output, Physical: true}
	if e.cfg.BridgeClient != "" {
		q = audioserver.PortQuery{
			Pattern:   "^" + regexp.QuoteMeta(e.cfg.BridgeClient) + ":",
			Direction: audioserver.Output,
		}
	}
	ports := client.Ports(q)
	if len(ports) == 0 {
		return "", &PortConnectionError{Dst: e.micIn.Name(), Err: audioserver.ErrNoPort}
	}
	return ports[0], nil
}

func (e *Engine) warn(err error) {
	slog.Warn("engine: port connection warning", "err", err)
	e.mu.Lock()
	e.warnings = append(e.warnings, err)
	e.mu.Unlock()
}

// Warnings returns the port connection warnings collected during Start.
func (e *Engine) Warnings() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.warnings...)
}

// ─── Real-time callbacks ──────────────────────────────────────────────────────

// OnProcess handles one period. It runs on the server's real-time thread
// and neither blocks nor allocates for periods up to maxPeriod.
func (e *Engine) OnProcess(nframes int) {
	in := e.micIn.Buffer(nframes)

	if e.monL != nil {
		l := e.monL.Buffer(nframes)
		r := e.monR.Buffer(nframes)
		if e.muted.Load() || !e.cfg.MonitorEnabled {
			clear(l)
			clear(r)
		} else {
			if len(e.scratch) < nframes {
				e.scratch = make([]float32, nframes)
			}
			s := e.scratch[:nframes]
			g := e.cfg.MicGain
			for i, x := range in {
				s[i] = g * x
			}
			e.rev.Process(s, s)
			copy(l, s)
			copy(r, s)
		}
	}

	out := e.dec.Process(in, e.pcm[:0])
	if len(out) > 0 {
		e.frames.Push(out)
	}
	e.callbacks.Add(1)
}

// OnShutdown is called by the server when it drops the client. The engine
// stops and every frame waiter is released.
func (e *Engine) OnShutdown(reason string) {
	e.mu.Lock()
	if e.err == nil {
		e.err = fmt.Errorf("%w: %s", ErrUnexpectedShutdown, reason)
	}
	e.mu.Unlock()
	e.stop()
	slog.Error("engine: audio server shut down", "reason", reason)
}

func (e *Engine) stop() {
	e.stopOnce.Do(func() {
		e.running.Store(false)
		e.frames.Stop()
		close(e.stopped)
	})
}

// ─── Consumer API ─────────────────────────────────────────────────────────────

// GetFrame waits up to timeout for the next 1280-sample frame. It returns
// false on timeout and, immediately, once the engine has stopped. A
// non-positive timeout waits until a frame arrives or the engine stops.
func (e *Engine) GetFrame(timeout time.Duration) (audio.Frame, bool) {
	f, ok := e.frames.Get(timeout)
	if e.metrics != nil {
		ctx := context.Background()
		switch {
		case ok:
			e.metrics.FramesServed.Add(ctx, 1)
		case e.running.Load():
			e.metrics.FrameWaitTimeouts.Add(ctx, 1)
		}
	}
	return f, ok
}

// Mute silences the monitor outputs from the next period on.
func (e *Engine) Mute() { e.muted.Store(true) }

// Unmute restores the monitor outputs.
func (e *Engine) Unmute() { e.muted.Store(false) }

// Muted reports whether the monitor is muted.
func (e *Engine) Muted() bool { return e.muted.Load() }

// Running reports whether the engine is processing audio.
func (e *Engine) Running() bool { return e.running.Load() }

// Stopped is closed once the engine stops for any reason.
func (e *Engine) Stopped() <-chan struct{} { return e.stopped }

// Err returns the reason the engine stopped on its own, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// PlayBuffer plays samples at sourceRate through the physical outputs and
// blocks until playback finished. It does not touch the capture path. A
// playback in progress when the engine stops returns [ErrNotRunning].
func (e *Engine) PlayBuffer(ctx context.Context, samples []float32, sourceRate int) error {
	if !e.Running() {
		return ErrNotRunning
	}
	ctx, done := e.playContext(ctx)
	defer done()
	return e.playErr(ctx, e.injector.Play(ctx, samples, sourceRate))
}

// PlayPCM16 is [Engine.PlayBuffer] for signed 16-bit samples.
func (e *Engine) PlayPCM16(ctx context.Context, samples []int16, sourceRate int) error {
	if !e.Running() {
		return ErrNotRunning
	}
	ctx, done := e.playContext(ctx)
	defer done()
	return e.playErr(ctx, e.injector.PlayPCM16(ctx, samples, sourceRate))
}

// playContext derives a context that is cancelled with [ErrNotRunning] as
// its cause once the engine stops, so a playback never outlives the engine.
func (e *Engine) playContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-e.stopped:
			cancel(ErrNotRunning)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

func (e *Engine) playErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(context.Cause(ctx), ErrNotRunning) {
		return fmt.Errorf("engine: play: %w", ErrNotRunning)
	}
	return err
}

// Stats returns a snapshot of the real-time counters.
func (e *Engine) Stats() observe.AudioStats {
	return observe.AudioStats{
		Callbacks:      e.callbacks.Load(),
		SamplesPushed:  e.frames.Pushed(),
		SamplesDropped: e.frames.Dropped(),
		Running:        e.running.Load(),
		Muted:          e.muted.Load(),
	}
}

// Shutdown stops processing, releases frame waiters, deactivates and closes
// the client. It is idempotent; teardown errors are logged.
func (e *Engine) Shutdown() {
	e.stop()

	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed || e.client == nil {
		return
	}
	e.closed = true
	if err := e.client.Deactivate(); err != nil {
		slog.Warn("engine: deactivate failed", "err", err)
	}
	if err := e.client.Close(); err != nil {
		slog.Warn("engine: close failed", "err", err)
	}
	slog.Info("engine: stopped", "callbacks", e.callbacks.Load(), "dropped_samples", e.frames.Dropped())
}
