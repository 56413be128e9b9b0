package speech

import (
	"context"
	"time"

	"github.com/MrWong99/autokj/internal/observe"
	"github.com/MrWong99/autokj/internal/resilience"
)

// Fallback tries a chain of synthesizers in order. Each backend has its own
// circuit breaker, so a backend that keeps failing is skipped until its
// breaker lets a probe through again.
type Fallback struct {
	chain   *resilience.Chain[Synthesizer]
	metrics *observe.Metrics
}

var _ Synthesizer = (*Fallback)(nil)

// NewFallback returns an empty chain. breaker is the template for each
// backend's circuit breaker; state changes are counted on metrics. A nil
// metrics uses [observe.DefaultMetrics].
func NewFallback(breaker resilience.BreakerConfig, metrics *observe.Metrics) *Fallback {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	user := breaker.OnTransition
	breaker.OnTransition = func(name string, from, to resilience.State) {
		metrics.RecordBreakerTransition(context.Background(), name, to.String())
		if user != nil {
			user(name, from, to)
		}
	}
	return &Fallback{
		chain:   resilience.NewChain[Synthesizer](breaker),
		metrics: metrics,
	}
}

// Add appends a backend to the chain. It must not be called once the chain
// is in use.
func (f *Fallback) Add(name string, s Synthesizer) {
	f.chain.Add(name, s)
}

// Backends returns the backend names in the order they are tried.
func (f *Fallback) Backends() []string { return f.chain.Names() }

// State returns the circuit state of the named backend. Unknown names report
// [resilience.Open].
func (f *Fallback) State(name string) resilience.State {
	if b := f.chain.Breaker(name); b != nil {
		return b.State()
	}
	return resilience.Open
}

type synthResult struct {
	samples []int16
	rate    int
}

// Synthesize implements [Synthesizer]. The synthesis duration is recorded
// under the name of the backend that produced the audio.
func (f *Fallback) Synthesize(ctx context.Context, text string) ([]int16, int, error) {
	start := time.Now()
	res, backend, err := resilience.Try(ctx, f.chain,
		func(ctx context.Context, s Synthesizer) (synthResult, error) {
			samples, rate, err := s.Synthesize(ctx, text)
			return synthResult{samples, rate}, err
		})
	if err != nil {
		return nil, 0, err
	}
	f.metrics.RecordSynthesis(ctx, backend, time.Since(start).Seconds())
	return res.samples, res.rate, nil
}
