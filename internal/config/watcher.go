package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the file.
const DefaultWatchInterval = 5 * time.Second

// fileState identifies one version of the config file. The mtime gates the
// cheaper check; the hash decides whether the content really changed.
type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// Watcher polls a config file and hands every effective change to a
// callback. Environment overrides are re-applied on each load, so a reload
// never drops them. An invalid file is reported once and the previous
// config stays current until the file is fixed.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   LookupFunc
	onChange func(old, new *Config)
	baseline *Config

	mu       sync.Mutex
	current  *Config
	seen     fileState
	rejected fileState

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup sets the environment lookup used for overrides. The default is
// [os.LookupEnv].
func WithLookup(fn LookupFunc) WatcherOption {
	return func(w *Watcher) {
		if fn != nil {
			w.lookup = fn
		}
	}
}

// WithBaseline makes cfg, the config the caller is already running with,
// the starting point instead of the file's contents at watch time. An edit
// made between the caller's own load and NewWatcher is then reported to
// onChange before NewWatcher returns.
func WithBaseline(cfg *Config) WatcherOption {
	return func(w *Watcher) { w.baseline = cfg }
}

// NewWatcher loads path and starts polling it. onChange runs on the polling
// goroutine with the previous and the new config, and only when [Diff]
// reports a difference.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		lookup:   os.LookupEnv,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	if w.baseline != nil {
		w.current = w.baseline
		w.apply(cfg, st)
	} else {
		w.current = cfg
		w.seen = st
	}

	go w.poll()
	return w, nil
}

// Current returns the most recent valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Reload reads the file now regardless of its mtime. It returns the load
// error, if any, and keeps the current config in that case.
func (w *Watcher) Reload() error {
	cfg, st, err := w.load()
	if err != nil {
		return fmt.Errorf("config: reload %q: %w", w.path, err)
	}
	w.apply(cfg, st)
	return nil
}

func (w *Watcher) poll() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config file unreadable", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime) || info.ModTime().Equal(w.rejected.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, st, err := w.load()
	if err != nil {
		w.mu.Lock()
		w.rejected = st
		w.mu.Unlock()
		slog.Warn("config file rejected, keeping previous config", "path", w.path, "err", err)
		return
	}
	w.apply(cfg, st)
}

// apply makes cfg current and calls onChange outside the lock when it
// differs from the previous config.
func (w *Watcher) apply(cfg *Config, st fileState) {
	w.mu.Lock()
	w.rejected = fileState{}
	if st.hash == w.seen.hash {
		w.seen = st
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.seen = st
	w.mu.Unlock()

	d := Diff(old, cfg)
	if !d.Changed() {
		slog.Debug("config file changed without effect", "path", w.path)
		return
	}
	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// load reads, decodes, overrides and validates the file. The returned state
// is filled in even on a decode or validation error so a bad version can be
// remembered.
func (w *Watcher) load() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	st := fileState{mtime: info.ModTime(), hash: sha256.Sum256(data)}

	cfg, err := decode(data)
	if err != nil {
		return nil, st, err
	}
	if err := ApplyEnv(cfg, w.lookup); err != nil {
		return nil, st, err
	}
	if err := Validate(cfg); err != nil {
		return nil, st, err
	}
	return cfg, st, nil
}
