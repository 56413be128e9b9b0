package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/MrWong99/autokj/internal/audioserver"
	"github.com/MrWong99/autokj/internal/config"
	"github.com/MrWong99/autokj/internal/observe"
	"github.com/MrWong99/autokj/internal/playback"
	"github.com/MrWong99/autokj/internal/playback/direct"
	"github.com/MrWong99/autokj/internal/resilience"
	"github.com/MrWong99/autokj/internal/speech"
	"github.com/MrWong99/autokj/internal/supervisor"
)

// ErrNoSynthesizer is returned when none of the configured speech backends
// could be created.
var ErrNoSynthesizer = errors.New("no speech synthesizer available")

// RegisterBuiltins registers the piper, espeak and coqui synthesizers and
// the aplay and portaudio players.
func RegisterBuiltins(reg *config.Registry) {
	reg.RegisterSynthesizer("piper", func(cfg config.SpeechConfig) (speech.Synthesizer, error) {
		if cfg.PiperModel == "" {
			return nil, errors.New("speech.piper_model is not set")
		}
		return &speech.Piper{Bin: cfg.PiperBin, Model: cfg.PiperModel, Rate: cfg.SampleRate}, nil
	})
	reg.RegisterSynthesizer("espeak", func(cfg config.SpeechConfig) (speech.Synthesizer, error) {
		return &speech.Espeak{Bin: cfg.EspeakBin, Voice: cfg.Voice}, nil
	})
	reg.RegisterSynthesizer("coqui", func(cfg config.SpeechConfig) (speech.Synthesizer, error) {
		if cfg.CoquiURL == "" {
			return nil, errors.New("speech.coqui_url is not set")
		}
		return &speech.Coqui{URL: cfg.CoquiURL, Speaker: cfg.CoquiSpeaker, Language: cfg.CoquiLanguage}, nil
	})
	reg.RegisterPlayer("aplay", func(cfg config.SpeechConfig) (direct.Player, error) {
		return &direct.Aplay{Bin: cfg.AplayBin, Device: cfg.AplayDevice}, nil
	})
	reg.RegisterPlayer("portaudio", func(config.SpeechConfig) (direct.Player, error) {
		if !direct.PortAudioAvailable {
			return nil, direct.ErrPortAudioUnavailable
		}
		return direct.PortAudio{}, nil
	})
}

// BuildSynthesizer creates the configured backends in order and chains them
// behind circuit breakers. Backends that cannot be created are skipped with
// a warning.
func BuildSynthesizer(cfg config.SpeechConfig, reg *config.Registry, metrics *observe.Metrics) (speech.Synthesizer, error) {
	fb := speech.NewFallback(resilience.BreakerConfig{}, metrics)
	for _, name := range cfg.Backends {
		s, err := reg.CreateSynthesizer(name, cfg)
		if err != nil {
			slog.Warn("speech backend skipped", "backend", name, "err", err)
			continue
		}
		fb.Add(name, s)
	}
	if len(fb.Backends()) == 0 {
		return nil, fmt.Errorf("%w (tried %v)", ErrNoSynthesizer, cfg.Backends)
	}
	slog.Info("speech backends ready", "order", fb.Backends())
	return fb, nil
}

// BuildDirectPlayer creates the configured direct player, or returns nil
// when it is disabled or unavailable.
func BuildDirectPlayer(cfg config.SpeechConfig, reg *config.Registry) direct.Player {
	if cfg.DirectPlayer == "" {
		return nil
	}
	p, err := reg.CreatePlayer(cfg.DirectPlayer, cfg)
	if err != nil {
		slog.Warn("direct player unavailable", "player", cfg.DirectPlayer, "err", err)
		return nil
	}
	return p
}

// bridgeClientName is the client name zita-a2j registers, which defaults to
// its executable name.
func bridgeClientName(bin string) string {
	return filepath.Base(bin)
}

// ─── One-shot speech ─────────────────────────────────────────────────────────

// injectorPlayer plays through a running audio server without a capture
// engine. There is no monitor to mute.
type injectorPlayer struct {
	*playback.Injector
}

func (injectorPlayer) Mute()   {}
func (injectorPlayer) Unmute() {}

// SpeakOnce speaks text and returns when it has been played. It uses the
// audio server when one is reachable and the direct player otherwise; it
// never starts the server.
func SpeakOnce(ctx context.Context, cfg *config.Config, server audioserver.Server, text string, opts ...Option) error {
	a := &App{cfg: cfg}
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
		return fmt.Errorf("app: speak: %w", err)
	}

	var player speech.Player
	if server != nil {
		if err := supervisor.Probe(server); err != nil {
			slog.Info("audio server not reachable, playing directly", "err", err)
		} else {
			player = injectorPlayer{playback.New(server, playback.WithMetrics(a.metrics))}
		}
	}

	speakerOpts := []speech.Option{speech.WithMetrics(a.metrics)}
	if p := BuildDirectPlayer(cfg.Speech, a.registry); p != nil {
		speakerOpts = append(speakerOpts, speech.WithDirect(p))
	}
	sp := speech.New(player, synth, speakerOpts...)
	defer sp.Close()
	return sp.Say(ctx, text)
}
