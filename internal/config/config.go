// Package config provides the configuration schema, loader and backend
// registry for autokj.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to an [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MonitorMode selects where the singer hears their own microphone.
type MonitorMode string

const (
	// MonitorHardware leaves monitoring to the sound card's own mixer. No
	// monitor ports are registered.
	MonitorHardware MonitorMode = "hardware"

	// MonitorSoftware routes the microphone through reverb to the outputs.
	MonitorSoftware MonitorMode = "software"
)

// IsValid reports whether m is a recognised monitor mode.
func (m MonitorMode) IsValid() bool {
	return m == MonitorHardware || m == MonitorSoftware
}

// Config is the root configuration structure for autokj.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Audio  AudioConfig  `yaml:"audio"`
	Speech SpeechConfig `yaml:"speech"`
	Frames FramesConfig `yaml:"frames"`
}

// ServerConfig holds the HTTP side server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health, metrics and frame stream
	// server (e.g., ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds paths to a TLS certificate and key.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig describes the audio server and the capture pipeline.
type AudioConfig struct {
	// CaptureDevice is the ALSA device of the microphone.
	CaptureDevice string `yaml:"capture_device"`

	// PlaybackDevice is the ALSA device jackd drives.
	PlaybackDevice string `yaml:"playback_device"`

	// Period is the server's frames per period. A power of two in [64, 2048].
	Period int `yaml:"period"`

	MonitorMode MonitorMode `yaml:"monitor_mode"`

	// MonitorEnabled turns the software monitor on. Ignored in hardware mode.
	MonitorEnabled bool `yaml:"monitor_enabled"`

	// MicGain scales the monitor signal. Range (0, 8].
	MicGain float64 `yaml:"mic_gain"`

	// ReverbWet is the reverb mix on the monitor. Range [0, 1].
	ReverbWet float64 `yaml:"reverb_wet"`

	// Bridge launches zita-a2j for a separately clocked capture device.
	// Unset means "on in software mode"; see [AudioConfig.BridgeEnabled].
	Bridge *bool `yaml:"bridge"`

	// StartupTimeout bounds the wait for the server to accept clients.
	StartupTimeout time.Duration `yaml:"startup_timeout"`

	// JackdBin and BridgeBin override the executables looked up on PATH.
	JackdBin  string `yaml:"jackd_bin"`
	BridgeBin string `yaml:"bridge_bin"`

	// ManageServer starts jackd (and the bridge) when true. Set it to false
	// to attach to an already running server.
	ManageServer bool `yaml:"manage_server"`
}

// BridgeEnabled reports whether the capture bridge should be launched.
func (a AudioConfig) BridgeEnabled() bool {
	if a.Bridge != nil {
		return *a.Bridge
	}
	return a.MonitorMode == MonitorSoftware
}

// SpeechConfig configures synthesis and the fallback player.
type SpeechConfig struct {
	// Backends lists synthesizer names in fallback order.
	Backends []string `yaml:"backends"`

	// PiperModel is the .onnx voice model. Without it piper is skipped.
	PiperModel string `yaml:"piper_model"`
	PiperBin   string `yaml:"piper_bin"`
	EspeakBin  string `yaml:"espeak_bin"`

	// Voice is the espeak-ng voice name.
	Voice string `yaml:"voice"`

	// CoquiURL is the base URL of a Coqui TTS server. Without it coqui is
	// skipped.
	CoquiURL      string `yaml:"coqui_url"`
	CoquiSpeaker  string `yaml:"coqui_speaker"`
	CoquiLanguage string `yaml:"coqui_language"`

	// SampleRate is the piper model's output rate.
	SampleRate int `yaml:"sample_rate"`

	// QueueSize bounds pending utterances.
	QueueSize int `yaml:"queue_size"`

	// DirectPlayer is used when the audio server cannot play: "aplay" or
	// "portaudio".
	DirectPlayer string `yaml:"direct_player"`
	AplayBin     string `yaml:"aplay_bin"`
	AplayDevice  string `yaml:"aplay_device"`
}

// FramesConfig configures the 16 kHz frame channel and its stream.
type FramesConfig struct {
	// BufferSeconds is how much unread audio is kept before the oldest is
	// dropped.
	BufferSeconds float64 `yaml:"buffer_seconds"`
}

// Default returns a Config holding every default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Audio: AudioConfig{
			CaptureDevice:  "hw:0",
			PlaybackDevice: "hw:0",
			Period:         256,
			MonitorMode:    MonitorSoftware,
			MonitorEnabled: true,
			MicGain:        1.0,
			ReverbWet:      0.3,
			StartupTimeout: 10 * time.Second,
			ManageServer:   true,
		},
		Speech: SpeechConfig{
			Backends:     []string{"piper", "espeak"},
			SampleRate:   22050,
			QueueSize:    16,
			DirectPlayer: "aplay",
		},
		Frames: FramesConfig{
			BufferSeconds: 5,
		},
	}
}
