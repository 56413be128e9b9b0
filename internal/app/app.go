// Package app wires all autokj subsystems into a running application.
//
// The App struct owns the full lifecycle: New prepares the speech backends,
// Run starts the audio server processes, the audio engine, the speech worker
// and the HTTP side server and blocks until the context is cancelled or a
// component fails, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithRegistry,
// WithSupervisorOptions, WithListener, etc.). The audio server itself is
// always passed in, so tests use the in-memory mock.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/autokj/internal/audioserver"
	"github.com/MrWong99/autokj/internal/config"
	"github.com/MrWong99/autokj/internal/engine"
	"github.com/MrWong99/autokj/internal/framesrv"
	"github.com/MrWong99/autokj/internal/health"
	"github.com/MrWong99/autokj/internal/observe"
	"github.com/MrWong99/autokj/internal/playback/direct"
	"github.com/MrWong99/autokj/internal/speech"
	"github.com/MrWong99/autokj/internal/supervisor"
	"github.com/MrWong99/autokj/pkg/audio"
)

// ErrProcessExited is returned by [App.Run] when a supervised audio server
// process exits on its own.
var ErrProcessExited = errors.New("app: audio process exited")

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second

	// DefaultStatsInterval is how often the engine counters are logged.
	DefaultStatsInterval = 30 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	server   audioserver.Server
	registry *config.Registry
	metrics  *observe.Metrics
	provider *observe.Provider
	level    *slog.LevelVar

	supOpts       []supervisor.Option
	engineOpts    []engine.Option
	listener      net.Listener
	configPath    string
	statsInterval time.Duration

	synth  speech.Synthesizer
	direct direct.Player

	// Subsystems, started in Run and torn down in Shutdown.
	sup      *supervisor.Supervisor
	engine   *engine.Engine
	speaker  *speech.Speaker
	hub      *framesrv.Hub
	httpSrv  *http.Server
	watcher  *config.Watcher
	statsReg metric.Registration

	reload   chan struct{}
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry sets the backend registry. The default has the built-in
// backends from [RegisterBuiltins].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the metrics instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithProvider serves the provider's Prometheus handler on /metrics and
// exports the real-time audio counters through its meter provider.
func WithProvider(p *observe.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithLevelVar lets config reloads change the log level of the running
// logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithSupervisorOptions passes options to the process supervisor.
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(a *App) { a.supOpts = append(a.supOpts, opts...) }
}

// WithEngineOptions passes options to the audio engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(a *App) { a.engineOpts = append(a.engineOpts, opts...) }
}

// WithListener serves HTTP on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigPath watches path and applies hot-reloadable changes.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithStatsInterval overrides [DefaultStatsInterval].
func WithStatsInterval(d time.Duration) Option {
	return func(a *App) { a.statsInterval = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App and builds its speech backends. Nothing is started
// until [App.Run].
func New(cfg *config.Config, server audioserver.Server, opts ...Option) (*App, error) {
	a := &App{
		cfg:           cfg,
		server:        server,
		statsInterval: DefaultStatsInterval,
		reload:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltins(a.registry)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	synth, err := BuildSynthesizer(cfg.Speech, a.registry, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.synth = synth
	a.direct = BuildDirectPlayer(cfg.Speech, a.registry)
	return a, nil
}

// RequestReload asks Run to re-read the config file now, as on SIGHUP. It
// never blocks; requests made while one is pending are merged.
func (a *App) RequestReload() {
	select {
	case a.reload <- struct{}{}:
	default:
	}
}

// Speaker returns the speech worker once Run has started it.
func (a *App) Speaker() *speech.Speaker { return a.speaker }

// Engine returns the audio engine once Run has started it.
func (a *App) Engine() *engine.Engine { return a.engine }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every subsystem and blocks until ctx is cancelled or a
// component fails. It returns nil on cancellation, an error wrapping
// [engine.ErrUnexpectedShutdown] when the audio server drops the engine and
// one wrapping [ErrProcessExited] when a supervised process dies. Everything
// is shut down before Run returns.
func (a *App) Run(ctx context.Context) error {
	defer a.Shutdown()

	if err := a.start(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.engine.Stopped():
			if err := a.engine.Err(); err != nil {
				return fmt.Errorf("app: %w", err)
			}
			return nil
		}
	})

	g.Go(func() error {
		a.reportStats(gctx)
		return nil
	})

	if a.watcher != nil {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-a.reload:
					if err := a.watcher.Reload(); err != nil {
						slog.Warn("config reload failed", "err", err)
					}
				}
			}
		})
	}

	if a.sup != nil {
		exited := a.sup.Exited()
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-exited:
				return a.processExited(gctx)
			}
		})
	}

	if a.hub != nil {
		g.Go(func() error {
			if err := a.hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if a.httpSrv != nil {
		g.Go(func() error { return a.serveHTTP() })
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.httpSrv.Shutdown(sctx)
		})
	}

	slog.Info("autokj running",
		"monitor_mode", a.cfg.Audio.MonitorMode,
		"bridge", a.cfg.Audio.BridgeEnabled(),
		"http", a.cfg.Server.ListenAddr,
	)
	return g.Wait()
}

// start brings subsystems up in dependency order. On failure everything
// already started is torn down by the deferred Shutdown in Run.
func (a *App) start(ctx context.Context) error {
	// ── 1. Audio server processes ────────────────────────────────────────
	if a.cfg.Audio.ManageServer {
		a.sup = supervisor.New(supervisorConfig(a.cfg.Audio), a.server, a.supOpts...)
		if err := a.sup.Start(ctx); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}

	// ── 2. Audio engine ──────────────────────────────────────────────────
	engOpts := append([]engine.Option{engine.WithMetrics(a.metrics)}, a.engineOpts...)
	a.engine = engine.New(engineConfig(a.cfg), a.server, engOpts...)
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if n := len(a.engine.Warnings()); n > 0 {
		slog.Warn("audio engine started with unconnected ports", "warnings", n)
	}

	if a.provider != nil {
		reg, err := observe.RegisterAudioStats(a.provider.MeterProvider, a.engine.Stats)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.statsReg = reg
	}

	// ── 3. Speech worker ─────────────────────────────────────────────────
	speakerOpts := []speech.Option{
		speech.WithQueueSize(a.cfg.Speech.QueueSize),
		speech.WithMetrics(a.metrics),
	}
	if a.direct != nil {
		speakerOpts = append(speakerOpts, speech.WithDirect(a.direct))
	}
	a.speaker = speech.New(a.engine, a.synth, speakerOpts...)

	// ── 4. HTTP side server ──────────────────────────────────────────────
	if a.cfg.Server.ListenAddr != "" || a.listener != nil {
		a.hub = framesrv.NewHub(a.engine, framesrv.WithMetrics(a.metrics))
		a.httpSrv = &http.Server{
			Handler:           a.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	// ── 5. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		// Edits made while the server and engine were starting are applied
		// against the config the app started with.
		w, err := config.NewWatcher(a.configPath, a.onConfigChange, config.WithBaseline(a.cfg))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			a.watcher = w
		}
	}
	return nil
}

func (a *App) serveHTTP() error {
	ln := a.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr); err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	slog.Info("http server listening", "addr", ln.Addr().String())

	var err error
	if tls := a.cfg.Server.TLS; tls != nil {
		err = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
	} else {
		err = a.httpSrv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("app: http: %w", err)
}

// processExited names the processes that died and records them.
func (a *App) processExited(ctx context.Context) error {
	var dead []error
	for _, p := range a.sup.Processes() {
		if p.Running() {
			continue
		}
		a.metrics.RecordProcessExit(ctx, p.Name())
		dead = append(dead, &supervisor.ProcessError{Name: p.Name(), Err: p.Err()})
	}
	return fmt.Errorf("%w: %w", ErrProcessExited, errors.Join(dead...))
}

// reportStats logs the real-time counters every statsInterval. Dropped
// samples since the last report are logged as a warning.
func (a *App) reportStats(ctx context.Context) {
	if a.statsInterval <= 0 {
		return
	}
	t := time.NewTicker(a.statsInterval)
	defer t.Stop()
	log := slog.With("component", "engine")
	var last observe.AudioStats
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		st := a.engine.Stats()
		if d := st.SamplesDropped - last.SamplesDropped; d > 0 {
			log.Warn("frame channel overflowed, oldest samples dropped", "dropped", d)
		}
		log.Debug("audio stats",
			"callbacks", st.Callbacks-last.Callbacks,
			"samples_pushed", st.SamplesPushed-last.SamplesPushed,
			"muted", st.Muted,
		)
		last = st
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the side server's routes wrapped in the metrics
// middleware: /healthz, /readyz, /metrics, /frames and POST /speak.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	checkers := []health.Checker{
		health.ClientRunning("audio_client", a.engine),
		health.Advancing("audio_callbacks", func() uint64 { return a.engine.Stats().Callbacks }),
	}
	if a.sup != nil {
		checkers = append(checkers, health.ProcessesAlive("audio_server", a.sup))
	}
	health.New(checkers...).Register(mux)

	if a.provider != nil {
		mux.Handle("GET /metrics", a.provider.Handler())
	}
	if a.hub != nil {
		a.hub.Register(mux)
	}
	mux.HandleFunc("POST /speak", a.handleSpeak)

	return observe.Middleware(a.metrics)(mux)
}

const maxSpeakBody = 64 << 10

// handleSpeak queues the request body as an utterance.
func (a *App) handleSpeak(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSpeakBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	switch err := a.speaker.Speak(string(body)); {
	case errors.Is(err, speech.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after restart", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse start order. It is
// idempotent and safe to call after a failed Run.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		if a.watcher != nil {
			a.watcher.Stop()
		}
		if a.speaker != nil {
			a.speaker.Close()
		}
		if a.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
			cancel()
		}
		if a.statsReg != nil {
			if err := a.statsReg.Unregister(); err != nil {
				slog.Warn("audio stats unregister error", "err", err)
			}
		}
		if a.engine != nil {
			a.engine.Shutdown()
		}
		if a.sup != nil {
			a.sup.Shutdown()
		}
		slog.Info("shutdown complete")
	})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// supervisorConfig converts the audio section to a supervisor config.
func supervisorConfig(a config.AudioConfig) supervisor.Config {
	return supervisor.Config{
		PlaybackDevice: a.PlaybackDevice,
		CaptureDevice:  a.CaptureDevice,
		Rate:           audio.NativeRate,
		Period:         a.Period,
		Bridge:         a.BridgeEnabled(),
		JackdBin:       a.JackdBin,
		BridgeBin:      a.BridgeBin,
		StartupTimeout: a.StartupTimeout,
	}
}

// engineConfig converts the config to an engine config. The bridge client
// is only named when the bridge is launched.
func engineConfig(cfg *config.Config) engine.Config {
	a := cfg.Audio
	ec := engine.Config{
		MonitorMode:    engine.MonitorMode(a.MonitorMode),
		MonitorEnabled: a.MonitorEnabled,
		MicGain:        float32(a.MicGain),
		ReverbWet:      float32(a.ReverbWet),
		FrameCapacity:  int(cfg.Frames.BufferSeconds * audio.FrameRate),
	}
	if a.BridgeEnabled() {
		bin := a.BridgeBin
		if bin == "" {
			bin = supervisor.DefaultBridgeBin
		}
		ec.BridgeClient = bridgeClientName(bin)
	}
	return ec
}
