package config

import "slices"

// ConfigDiff describes what changed between two configs. Only the log level
// is applied at runtime; every other changed field is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the YAML keys whose new values only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}

	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !equalTLS(old.Server.TLS, new.Server.TLS))

	oa, na := old.Audio, new.Audio
	restart("audio.capture_device", oa.CaptureDevice != na.CaptureDevice)
	restart("audio.playback_device", oa.PlaybackDevice != na.PlaybackDevice)
	restart("audio.period", oa.Period != na.Period)
	restart("audio.monitor_mode", oa.MonitorMode != na.MonitorMode)
	restart("audio.monitor_enabled", oa.MonitorEnabled != na.MonitorEnabled)
	restart("audio.mic_gain", oa.MicGain != na.MicGain)
	restart("audio.reverb_wet", oa.ReverbWet != na.ReverbWet)
	restart("audio.bridge", oa.BridgeEnabled() != na.BridgeEnabled())
	restart("audio.startup_timeout", oa.StartupTimeout != na.StartupTimeout)
	restart("audio.jackd_bin", oa.JackdBin != na.JackdBin)
	restart("audio.bridge_bin", oa.BridgeBin != na.BridgeBin)
	restart("audio.manage_server", oa.ManageServer != na.ManageServer)

	so, sn := old.Speech, new.Speech
	restart("speech.backends", !slices.Equal(so.Backends, sn.Backends))
	restart("speech.piper_model", so.PiperModel != sn.PiperModel)
	restart("speech.piper_bin", so.PiperBin != sn.PiperBin)
	restart("speech.espeak_bin", so.EspeakBin != sn.EspeakBin)
	restart("speech.voice", so.Voice != sn.Voice)
	restart("speech.coqui_url", so.CoquiURL != sn.CoquiURL)
	restart("speech.coqui_speaker", so.CoquiSpeaker != sn.CoquiSpeaker)
	restart("speech.coqui_language", so.CoquiLanguage != sn.CoquiLanguage)
	restart("speech.sample_rate", so.SampleRate != sn.SampleRate)
	restart("speech.queue_size", so.QueueSize != sn.QueueSize)
	restart("speech.direct_player", so.DirectPlayer != sn.DirectPlayer)
	restart("speech.aplay_bin", so.AplayBin != sn.AplayBin)
	restart("speech.aplay_device", so.AplayDevice != sn.AplayDevice)

	restart("frames.buffer_seconds", old.Frames.BufferSeconds != new.Frames.BufferSeconds)

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
