package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists the built-in backend names per kind. Used by
// [Validate] to warn about unrecognised names.
var ValidBackendNames = map[string][]string{
	"synthesizer": {"piper", "espeak", "coqui"},
	"player":      {"aplay", "portaudio"},
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTOKJ_"

// LookupFunc matches [os.LookupEnv].
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies AUTOKJ_*
// environment overrides and validates the result. An empty path starts from
// [Default].
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		if cfg, err = decode(data); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Environment overrides are not applied.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode parses data over the defaults. Unknown keys are errors. An empty
// document yields the defaults.
func decode(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from AUTOKJ_* variables found by lookup.
// Malformed values are reported together.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(EnvPrefix + key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, set func(bool)) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			set(b)
		}
	}

	var level, mode string
	str("LOG_LEVEL", &level)
	if level != "" {
		cfg.Server.LogLevel = LogLevel(level)
	}
	str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	str("MIC_DEVICE", &cfg.Audio.CaptureDevice)
	str("PLAYBACK_DEVICE", &cfg.Audio.PlaybackDevice)
	num("PERIOD", &cfg.Audio.Period)
	str("MONITOR_MODE", &mode)
	if mode != "" {
		cfg.Audio.MonitorMode = MonitorMode(mode)
	}
	boolean("MONITOR", func(b bool) { cfg.Audio.MonitorEnabled = b })
	float("MIC_GAIN", &cfg.Audio.MicGain)
	float("REVERB_WET", &cfg.Audio.ReverbWet)
	boolean("BRIDGE", func(b bool) { cfg.Audio.Bridge = &b })
	if v, ok := lookup(EnvPrefix + "STARTUP_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSTARTUP_TIMEOUT: %w", EnvPrefix, err))
		} else {
			cfg.Audio.StartupTimeout = d
		}
	}
	str("PIPER_MODEL", &cfg.Speech.PiperModel)
	str("VOICE", &cfg.Speech.Voice)
	str("COQUI_URL", &cfg.Speech.CoquiURL)

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if addr := cfg.Server.ListenAddr; addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("server.listen_addr %q is invalid: %w", addr, err))
		}
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if a.CaptureDevice == "" {
		errs = append(errs, errors.New("audio.capture_device is required"))
	}
	if a.PlaybackDevice == "" {
		errs = append(errs, errors.New("audio.playback_device is required"))
	}
	if a.Period < 64 || a.Period > 2048 || a.Period&(a.Period-1) != 0 {
		errs = append(errs, fmt.Errorf("audio.period %d must be a power of two in [64, 2048]", a.Period))
	}
	if !a.MonitorMode.IsValid() {
		errs = append(errs, fmt.Errorf("audio.monitor_mode %q is invalid; valid values: hardware, software", a.MonitorMode))
	}
	if a.MicGain <= 0 || a.MicGain > 8 {
		errs = append(errs, fmt.Errorf("audio.mic_gain %.2f is out of range (0, 8]", a.MicGain))
	}
	if a.ReverbWet < 0 || a.ReverbWet > 1 {
		errs = append(errs, fmt.Errorf("audio.reverb_wet %.2f is out of range [0, 1]", a.ReverbWet))
	}
	if a.StartupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("audio.startup_timeout %s must be positive", a.StartupTimeout))
	}
	if a.MonitorMode == MonitorHardware && a.ReverbWet > 0 {
		slog.Warn("audio.reverb_wet has no effect in hardware monitor mode")
	}

	// Speech
	s := cfg.Speech
	if len(s.Backends) == 0 {
		errs = append(errs, errors.New("speech.backends must name at least one synthesizer"))
	}
	seen := make(map[string]int, len(s.Backends))
	for i, name := range s.Backends {
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("speech.backends[%d] %q is a duplicate of speech.backends[%d]", i, name, prev))
		}
		seen[name] = i
		validateBackendName("synthesizer", name)
	}
	if _, ok := seen["piper"]; ok && s.PiperModel == "" {
		slog.Warn("speech.piper_model is empty; piper will be skipped")
	}
	if s.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("speech.sample_rate %d must be positive", s.SampleRate))
	}
	if s.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("speech.queue_size %d must be positive", s.QueueSize))
	}
	if s.DirectPlayer != "" {
		validateBackendName("player", s.DirectPlayer)
	}

	// Frames
	if cfg.Frames.BufferSeconds <= 0 {
		errs = append(errs, fmt.Errorf("frames.buffer_seconds %.2f must be positive", cfg.Frames.BufferSeconds))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is not found in the
// [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	known, ok := ValidBackendNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
