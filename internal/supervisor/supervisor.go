// Package supervisor launches and tears down the external audio processes
// autokj depends on: the JACK server (jackd) and, for microphones on their
// own clock, the zita-a2j bridge that resamples them into the JACK graph.
//
// The supervisor only owns process lifetimes. Readiness is established by
// opening a throwaway client through an [audioserver.Server]; nothing here
// touches audio data.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/autokj/internal/audioserver"
)

// ErrStartupTimeout is returned by [Supervisor.Start] and
// [Supervisor.WaitReady] when the audio server did not accept a client
// before the startup timeout elapsed.
var ErrStartupTimeout = errors.New("supervisor: audio server startup timeout")

// ProbeClientName is the name of the throwaway client used to detect
// readiness.
const ProbeClientName = "autokj-probe"

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultRate           = 48000
	DefaultPeriod         = 256
	DefaultBridgePeriod   = 256
	DefaultStartupTimeout = 10 * time.Second
	DefaultProbeInterval  = 200 * time.Millisecond
	DefaultGracePeriod    = 3 * time.Second
	DefaultBridgeSettle   = 500 * time.Millisecond
	DefaultJackdBin       = "jackd"
	DefaultBridgeBin      = "zita-a2j"
)

// Config describes the processes to supervise.
type Config struct {
	// PlaybackDevice is the ALSA device jackd plays to, e.g. "hw:0".
	PlaybackDevice string

	// CaptureDevice is the ALSA capture device. With Bridge set it is handed
	// to zita-a2j, otherwise jackd opens it itself.
	CaptureDevice string

	// Rate is the server sample rate in Hz.
	Rate int

	// Period is the jackd block size in frames.
	Period int

	// Bridge launches zita-a2j for the capture device.
	Bridge bool

	// BridgePeriod is the zita-a2j block size.
	BridgePeriod int

	JackdBin  string
	BridgeBin string

	StartupTimeout time.Duration
	ProbeInterval  time.Duration
	GracePeriod    time.Duration
	BridgeSettle   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Rate <= 0 {
		c.Rate = DefaultRate
	}
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.BridgePeriod <= 0 {
		c.BridgePeriod = DefaultBridgePeriod
	}
	if c.JackdBin == "" {
		c.JackdBin = DefaultJackdBin
	}
	if c.BridgeBin == "" {
		c.BridgeBin = DefaultBridgeBin
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.BridgeSettle <= 0 {
		c.BridgeSettle = DefaultBridgeSettle
	}
}

// JackdArgs returns the jackd command line (without the binary).
func JackdArgs(cfg Config) []string {
	cfg.applyDefaults()
	args := []string{
		"-R",
		"-d", "alsa",
		"-P", cfg.PlaybackDevice,
	}
	if !cfg.Bridge && cfg.CaptureDevice != "" {
		args = append(args, "-C", cfg.CaptureDevice)
	}
	return append(args,
		"-r", strconv.Itoa(cfg.Rate),
		"-p", strconv.Itoa(cfg.Period),
		"-n", "2",
		"-S",
	)
}

// BridgeArgs returns the zita-a2j command line (without the binary).
func BridgeArgs(cfg Config) []string {
	cfg.applyDefaults()
	return []string{
		"-d", cfg.CaptureDevice,
		"-r", strconv.Itoa(cfg.Rate),
		"-p", strconv.Itoa(cfg.BridgePeriod),
	}
}

// CommandFactory builds the command for a supervised binary.
type CommandFactory func(name string, args ...string) *exec.Cmd

// Option configures a [Supervisor].
type Option func(*Supervisor)

// WithCommandFactory replaces [exec.Command] for launching children.
func WithCommandFactory(f CommandFactory) Option {
	return func(s *Supervisor) { s.command = f }
}

// Supervisor owns the jackd and zita-a2j child processes.
type Supervisor struct {
	cfg     Config
	server  audioserver.Server
	command CommandFactory

	mu      sync.Mutex
	started bool
	stopped bool
	procs   []*Process // launch order
}

// New creates a Supervisor. server is used for readiness probes only.
func New(cfg Config, server audioserver.Server, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:     cfg,
		server:  server,
		command: exec.Command,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the effective configuration with defaults applied.
func (s *Supervisor) Config() Config { return s.cfg }

// Start launches jackd, waits for it to accept clients and, when a bridge is
// configured, launches zita-a2j and lets it settle. On any failure every
// process launched so far is shut down before the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor: already started")
	}
	s.started = true
	s.mu.Unlock()

	jackd, err := s.launch("jackd", s.cfg.JackdBin, JackdArgs(s.cfg), "JACK_NO_AUDIO_RESERVATION=1")
	if err != nil {
		return err
	}
	slog.Info("supervisor: jackd launched", "pid", jackd.PID(), "playback", s.cfg.PlaybackDevice, "period", s.cfg.Period)

	if err := s.waitReady(ctx, s.cfg.StartupTimeout, jackd); err != nil {
		s.Shutdown()
		return err
	}

	if !s.cfg.Bridge {
		return nil
	}
	bridge, err := s.launch("zita-a2j", s.cfg.BridgeBin, BridgeArgs(s.cfg))
	if err != nil {
		s.Shutdown()
		return err
	}
	slog.Info("supervisor: bridge launched", "pid", bridge.PID(), "capture", s.cfg.CaptureDevice)

	timer := time.NewTimer(s.cfg.BridgeSettle)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-bridge.Done():
		s.Shutdown()
		return &ProcessError{Name: bridge.Name(), Err: bridge.Err()}
	case <-ctx.Done():
		s.Shutdown()
		return fmt.Errorf("supervisor: start: %w", ctx.Err())
	}
	return nil
}

func (s *Supervisor) launch(label, bin string, args []string, env ...string) (*Process, error) {
	cmd := s.command(bin, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	p, err := start(label, cmd)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	return p, nil
}

// WaitReady polls the audio server by opening and closing a throwaway
// client every probe interval until one succeeds or timeout elapses.
func (s *Supervisor) WaitReady(ctx context.Context, timeout time.Duration) error {
	return s.waitReady(ctx, timeout, nil)
}

// waitReady additionally fails fast when watch exits before the server is up.
func (s *Supervisor) waitReady(ctx context.Context, timeout time.Duration, watch *Process) error {
	if timeout <= 0 {
		timeout = s.cfg.StartupTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.ProbeInterval)
	defer tick.Stop()

	var exited <-chan struct{}
	if watch != nil {
		exited = watch.Done()
	}

	attempts := 0
	for {
		attempts++
		if err := Probe(s.server); err == nil {
			slog.Debug("supervisor: audio server ready", "attempts", attempts)
			return nil
		}
		select {
		case <-tick.C:
		case <-exited:
			return &ProcessError{Name: watch.Name(), Err: watch.Err()}
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ErrStartupTimeout, timeout)
		case <-ctx.Done():
			return fmt.Errorf("supervisor: wait ready: %w", ctx.Err())
		}
	}
}

// Probe opens and immediately closes a client named [ProbeClientName].
func Probe(server audioserver.Server) error {
	c, err := server.Open(ProbeClientName)
	if err != nil {
		return err
	}
	if err := c.Close(); err != nil {
		slog.Debug("supervisor: close probe client", "err", err)
	}
	return nil
}

// Alive reports whether every supervised process is still running. It is
// false before Start and after Shutdown.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.procs) == 0 {
		return false
	}
	for _, p := range s.procs {
		if !p.Running() {
			return false
		}
	}
	return true
}

// Processes returns the supervised processes in launch order.
func (s *Supervisor) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Exited returns a channel that is closed when any supervised process exits.
// The returned channel never closes if nothing has been launched yet.
func (s *Supervisor) Exited() <-chan struct{} {
	procs := s.Processes()
	out := make(chan struct{})
	if len(procs) == 0 {
		return out
	}
	go func() {
		cases := make(chan struct{}, len(procs))
		for _, p := range procs {
			go func() {
				<-p.Done()
				cases <- struct{}{}
			}()
		}
		<-cases
		close(out)
	}()
	return out
}

// Shutdown stops the supervised processes in reverse launch order. Each gets
// SIGTERM and, after the grace period, SIGKILL. Shutdown is idempotent and
// safe to call before or after a failed Start.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	procs := append([]*Process(nil), s.procs...)
	s.mu.Unlock()

	for i := len(procs) - 1; i >= 0; i-- {
		procs[i].Stop(s.cfg.GracePeriod)
	}
	if len(procs) > 0 {
		slog.Info("supervisor: audio processes stopped", "count", len(procs))
	}
}
