package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when no backend in a [Chain] produced a result.
var ErrExhausted = errors.New("resilience: every backend failed")

type link[T any] struct {
	name    string
	backend T
	breaker *Breaker
}

// Chain tries backends of one kind in the order they were added, each behind
// its own [Breaker]. Backends must be added before the chain is shared
// between goroutines.
type Chain[T any] struct {
	cfg   BreakerConfig
	links []link[T]
}

// NewChain returns an empty chain. cfg is the template for every backend's
// breaker; its Name is replaced by the backend name.
func NewChain[T any](cfg BreakerConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends a backend.
func (c *Chain[T]) Add(name string, backend T) {
	cfg := c.cfg
	cfg.Name = name
	c.links = append(c.links, link[T]{name: name, backend: backend, breaker: NewBreaker(cfg)})
}

// Len returns the number of backends.
func (c *Chain[T]) Len() int { return len(c.links) }

// Names returns the backend names in try order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.links))
	for i, l := range c.links {
		names[i] = l.name
	}
	return names
}

// Breaker returns the breaker guarding the named backend, or nil.
func (c *Chain[T]) Breaker(name string) *Breaker {
	for _, l := range c.links {
		if l.name == name {
			return l.breaker
		}
	}
	return nil
}

// Try calls fn on each backend in turn and returns the first result along
// with the name of the backend that produced it. Backends whose breaker is
// open are skipped. When ctx ends no further backend is tried and the
// context error is returned. Otherwise, if nothing succeeds, the error wraps
// [ErrExhausted] and every backend's failure.
func Try[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for _, l := range c.links {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		var out R
		err := l.breaker.Do(func() error {
			var err error
			out, err = fn(ctx, l.backend)
			return err
		})
		if err == nil {
			return out, l.name, nil
		}
		if ctx.Err() != nil {
			return zero, "", err
		}
		if errors.Is(err, ErrOpen) {
			slog.Debug("resilience: backend skipped", "backend", l.name)
		} else {
			slog.Warn("resilience: backend failed", "backend", l.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
	}
	if len(errs) == 0 {
		return zero, "", fmt.Errorf("%w: no backends", ErrExhausted)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
}
