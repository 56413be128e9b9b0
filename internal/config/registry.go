package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/autokj/internal/playback/direct"
	"github.com/MrWong99/autokj/internal/speech"
)

// ErrBackendNotRegistered is returned by the Create methods for a name that
// has no factory.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Factory builds a backend from the speech section.
type Factory[T any] func(SpeechConfig) (T, error)

type table[T any] struct {
	kind string
	m    map[string]Factory[T]
}

func newTable[T any](kind string) table[T] {
	return table[T]{kind: kind, m: make(map[string]Factory[T])}
}

func (t table[T]) create(name string, cfg SpeechConfig) (T, error) {
	f, ok := t.m[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s %q", ErrBackendNotRegistered, t.kind, name)
	}
	return f(cfg)
}

// Registry maps the backend names used in the speech section to factories.
// Built-in backends are added by the application at startup; tests register
// fakes under their own names. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	synths table[speech.Synthesizer]
	player table[direct.Player]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		synths: newTable[speech.Synthesizer]("synthesizer"),
		player: newTable[direct.Player]("player"),
	}
}

// RegisterSynthesizer adds or replaces the synthesizer factory for name.
func (r *Registry) RegisterSynthesizer(name string, f Factory[speech.Synthesizer]) {
	r.mu.Lock()
	r.synths.m[name] = f
	r.mu.Unlock()
}

// RegisterPlayer adds or replaces the direct player factory for name.
func (r *Registry) RegisterPlayer(name string, f Factory[direct.Player]) {
	r.mu.Lock()
	r.player.m[name] = f
	r.mu.Unlock()
}

// CreateSynthesizer builds the synthesizer registered as name.
func (r *Registry) CreateSynthesizer(name string, cfg SpeechConfig) (speech.Synthesizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.synths.create(name, cfg)
}

// CreatePlayer builds the direct player registered as name.
func (r *Registry) CreatePlayer(name string, cfg SpeechConfig) (direct.Player, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.player.create(name, cfg)
}

// Synthesizers returns the registered synthesizer names in sorted order.
func (r *Registry) Synthesizers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.synths.m))
}

// Players returns the registered direct player names in sorted order.
func (r *Registry) Players() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.player.m))
}
