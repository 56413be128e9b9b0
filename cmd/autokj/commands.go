package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/autokj/internal/app"
	"github.com/MrWong99/autokj/internal/audioserver"
	"github.com/MrWong99/autokj/internal/config"
	"github.com/MrWong99/autokj/internal/observe"
	"github.com/MrWong99/autokj/internal/supervisor"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = ""

// speakTimeout bounds a one-shot announcement including synthesis.
const speakTimeout = 2 * time.Minute

func newRootCmd(server audioserver.Server) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "autokj",
		Short: "Real-time audio front end for the karaoke host",
		Long: `autokj drives the JACK audio server for the karaoke host.

It launches jackd (and zita-a2j for a USB microphone), renders a software
monitor with reverb, publishes the microphone as 16 kHz frames for wake word
and speech recognition, and speaks announcements into the mix.

Every config key can be overridden with an AUTOKJ_* environment variable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file (defaults when empty)")

	root.AddCommand(
		newRunCmd(server, &configPath),
		newSpeakCmd(server, &configPath),
		newProbeCmd(server),
		newBackendsCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads the config and installs the default logger.
func loadConfig(path string) (*config.Config, *slog.LevelVar, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("config file %q not found", path)
		}
		return nil, nil, err
	}
	lv := new(slog.LevelVar)
	slog.SetDefault(newLogger(os.Stderr, cfg.Server.LogLevel, lv))
	return cfg, lv, nil
}

// ─── run ─────────────────────────────────────────────────────────────────────

func newRunCmd(server audioserver.Server, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the audio server, engine, speech worker and HTTP side server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, lv, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			slog.Info("autokj starting",
				"version", versionString(),
				"config", *configPath,
				"capture_device", cfg.Audio.CaptureDevice,
				"playback_device", cfg.Audio.PlaybackDevice,
				"period", cfg.Audio.Period,
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			prov, err := observe.InitProvider(ctx, observe.ProviderConfig{
				ServiceVersion: versionString(),
				Attributes: []attribute.KeyValue{
					attribute.String("autokj.capture_device", cfg.Audio.CaptureDevice),
					attribute.String("autokj.playback_device", cfg.Audio.PlaybackDevice),
				},
			})
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := prov.Shutdown(sctx); err != nil {
					slog.Warn("telemetry shutdown error", "err", err)
				}
			}()

			opts := []app.Option{
				app.WithProvider(prov),
				app.WithLevelVar(lv),
			}
			if *configPath != "" {
				opts = append(opts, app.WithConfigPath(*configPath))
			}
			a, err := app.New(cfg, server, opts...)
			if err != nil {
				return err
			}

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						slog.Info("SIGHUP received, reloading config")
						a.RequestReload()
					}
				}
			}()

			if err := a.Run(ctx); err != nil {
				return err
			}
			slog.Info("goodbye")
			return nil
		},
	}
}

// ─── speak ───────────────────────────────────────────────────────────────────

func newSpeakCmd(server audioserver.Server, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "speak <text...>",
		Short: "Speak text once through the running audio server",
		Long: `Speak synthesizes the text and plays it through the running audio server.
It never starts jackd; when no server is reachable the direct player is used.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return errors.New("nothing to say")
			}
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), speakTimeout)
			defer cancel()
			return app.SpeakOnce(ctx, cfg, server, text)
		},
	}
}

// ─── probe ───────────────────────────────────────────────────────────────────

func newProbeCmd(server audioserver.Server) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Report whether the audio server accepts clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := supervisor.Probe(server); err != nil {
				return fmt.Errorf("audio server not reachable: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "audio server is running")
			return nil
		},
	}
}

// ─── backends ────────────────────────────────────────────────────────────────

func newBackendsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List speech backends and whether the config can use them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			reg := config.NewRegistry()
			app.RegisterBuiltins(reg)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "synthesizers:")
			for _, name := range reg.Synthesizers() {
				_, err := reg.CreateSynthesizer(name, cfg.Speech)
				fmt.Fprintln(out, backendLine(name, slices.Index(cfg.Speech.Backends, name), err))
			}
			fmt.Fprintln(out, "direct players:")
			for _, name := range reg.Players() {
				_, err := reg.CreatePlayer(name, cfg.Speech)
				order := -1
				if name == cfg.Speech.DirectPlayer {
					order = 0
				}
				fmt.Fprintln(out, backendLine(name, order, err))
			}
			return nil
		},
	}
}

// backendLine formats one backend. order is its position in the configured
// list, or -1 when it is not configured.
func backendLine(name string, order int, err error) string {
	use := "-"
	if order >= 0 {
		use = strconv.Itoa(order + 1)
	}
	status := "ok"
	if err != nil {
		status = err.Error()
	}
	return fmt.Sprintf("  %s %-10s %s", use, name, status)
}

// ─── version ─────────────────────────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autokj %s\n", versionString())
		},
	}
}

func versionString() string {
	if version != "" {
		return version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "(devel)"
}

// ─── Logger ──────────────────────────────────────────────────────────────────

// newLogger returns a text logger on w whose level is held in lv so config
// reloads can change it.
func newLogger(w io.Writer, level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	lv.Set(level.Slog())
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
}
