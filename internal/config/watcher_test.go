package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/autokj/internal/config"
)

const (
	baseYAML = `
server:
  log_level: info
audio:
  capture_device: hw:USB
`
	debugYAML = `
server:
  log_level: debug
audio:
  capture_device: hw:USB
  period: 512
`
	// Same settings as baseYAML, different bytes.
	commentedYAML = `
# microphone on the USB interface
server:
  log_level: info
audio:
  capture_device: hw:USB
`
	badYAML = `
server:
  log_level: bananas
`
)

func noEnv(string) (string, bool) { return "", false }

// changes records watcher callbacks.
type changes struct {
	mu   sync.Mutex
	news []*config.Config
	ch   chan struct{}
}

func newChanges() *changes { return &changes{ch: make(chan struct{}, 16)} }

func (c *changes) record(_, new *config.Config) {
	c.mu.Lock()
	c.news = append(c.news, new)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.news)
}

func (c *changes) last() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.news[len(c.news)-1]
}

// startWatcher writes content to a temp file and watches it. Polling is
// slow enough that tests drive it with Reload unless they set an interval.
func startWatcher(t *testing.T, content string, onChange func(old, new *config.Config), opts ...config.WatcherOption) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autokj.yaml")
	write(t, path, content)
	opts = append([]config.WatcherOption{config.WithInterval(time.Hour), config.WithLookup(noEnv)}, opts...)
	w, err := config.NewWatcher(path, onChange, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	w, _ := startWatcher(t, baseYAML, nil)
	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.Audio.CaptureDevice != "hw:USB" {
		t.Errorf("Current() = %+v", cfg)
	}
	if cfg.Audio.Period != 256 {
		t.Errorf("period = %d, want default 256", cfg.Audio.Period)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "autokj.yaml")
	write(t, path, badYAML)
	if _, err := config.NewWatcher(path, nil, config.WithLookup(noEnv)); err == nil {
		t.Error("NewWatcher accepted an invalid file")
	}
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("NewWatcher accepted a missing file")
	}
}

func TestWatcher_ReloadAppliesChange(t *testing.T) {
	t.Parallel()

	var gotOld, gotNew *config.Config
	w, path := startWatcher(t, baseYAML, func(old, new *config.Config) { gotOld, gotNew = old, new })

	write(t, path, debugYAML)
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if gotOld == nil || gotOld.Server.LogLevel != config.LogInfo {
		t.Errorf("old = %+v, want info level", gotOld)
	}
	if gotNew == nil || gotNew.Server.LogLevel != config.LogDebug || gotNew.Audio.Period != 512 {
		t.Errorf("new = %+v, want debug level and period 512", gotNew)
	}
	if w.Current() != gotNew {
		t.Error("Current() is not the new config")
	}
}

func TestWatcher_IgnoresIneffectiveEdits(t *testing.T) {
	t.Parallel()

	c := newChanges()
	w, path := startWatcher(t, baseYAML, c.record)

	// Same bytes, then different bytes with identical settings.
	for _, content := range []string{baseYAML, commentedYAML} {
		write(t, path, content)
		if err := w.Reload(); err != nil {
			t.Fatalf("Reload: %v", err)
		}
	}
	if n := c.count(); n != 0 {
		t.Errorf("onChange called %d times, want 0", n)
	}
}

func TestWatcher_RejectsInvalidFile(t *testing.T) {
	t.Parallel()

	c := newChanges()
	w, path := startWatcher(t, baseYAML, c.record)
	before := w.Current()

	write(t, path, badYAML)
	if err := w.Reload(); err == nil {
		t.Fatal("Reload accepted an invalid file")
	}
	if w.Current() != before {
		t.Error("invalid file replaced the current config")
	}

	write(t, path, debugYAML)
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload after fix: %v", err)
	}
	if n := c.count(); n != 1 {
		t.Errorf("onChange called %d times, want 1", n)
	}
}

func TestWatcher_ReappliesEnvOverrides(t *testing.T) {
	t.Parallel()

	env := func(key string) (string, bool) {
		if key == "AUTOKJ_MIC_DEVICE" {
			return "hw:Env", true
		}
		return "", false
	}
	var gotNew *config.Config
	w, path := startWatcher(t, baseYAML, func(_, new *config.Config) { gotNew = new }, config.WithLookup(env))
	if got := w.Current().Audio.CaptureDevice; got != "hw:Env" {
		t.Fatalf("initial capture_device = %q, want hw:Env", got)
	}

	write(t, path, debugYAML)
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if gotNew == nil || gotNew.Audio.CaptureDevice != "hw:Env" {
		t.Error("override lost on reload")
	}
}

func TestWatcher_Polls(t *testing.T) {
	t.Parallel()

	c := newChanges()
	_, path := startWatcher(t, baseYAML, c.record, config.WithInterval(20*time.Millisecond))

	// Some filesystems keep whole-second mtimes; make sure it moves.
	write(t, path, debugYAML)
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	select {
	case <-c.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("change not picked up by polling")
	}
	if got := c.last().Server.LogLevel; got != config.LogDebug {
		t.Errorf("polled log_level = %q, want debug", got)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	w, _ := startWatcher(t, baseYAML, nil)
	w.Stop()
	w.Stop()
}

func TestWatcher_BaselineReportsEarlierEdit(t *testing.T) {
	t.Parallel()

	// The caller started with the info-level file; it was edited before the
	// watcher came up.
	running, err := config.LoadFromReader(strings.NewReader(baseYAML))
	if err != nil {
		t.Fatal(err)
	}
	var gotOld, gotNew *config.Config
	w, _ := startWatcher(t, debugYAML, func(old, new *config.Config) { gotOld, gotNew = old, new },
		config.WithBaseline(running))

	if gotOld != running {
		t.Errorf("old = %+v, want the running config", gotOld)
	}
	if gotNew == nil || gotNew.Server.LogLevel != config.LogDebug {
		t.Fatalf("new = %+v, want debug level", gotNew)
	}
	if w.Current() != gotNew {
		t.Error("Current() is not the file's config")
	}

	// The file is now the baseline; reloading it again changes nothing.
	gotNew = nil
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if gotNew != nil {
		t.Error("unchanged file reported again")
	}
}

func TestWatcher_BaselineMatchingFileIsQuiet(t *testing.T) {
	t.Parallel()

	running, err := config.LoadFromReader(strings.NewReader(baseYAML))
	if err != nil {
		t.Fatal(err)
	}
	called := false
	w, _ := startWatcher(t, commentedYAML, func(_, _ *config.Config) { called = true },
		config.WithBaseline(running))
	if called {
		t.Error("onChange called for a file equal to the running config")
	}
	if got := w.Current(); got.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() level = %s, want info", got.Server.LogLevel)
	}
}
