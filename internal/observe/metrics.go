// Package observe provides application-wide observability primitives for
// autokj: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider], so they can be scraped from /metrics.
//
// Counters that change on the real-time audio thread are never touched from
// that thread. The engine keeps plain atomics and [RegisterAudioStats] reads
// them from an observable callback at collection time.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all autokj metrics.
const meterName = "github.com/MrWong99/autokj"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Frames ---

	// FramesServed counts 1280-sample frames handed to consumers.
	FramesServed metric.Int64Counter

	// FrameWaitTimeouts counts GetFrame calls that returned without a frame
	// while the engine was still running.
	FrameWaitTimeouts metric.Int64Counter

	// --- Playback ---

	// PlaybackDuration tracks wall time of injected playbacks.
	PlaybackDuration metric.Float64Histogram

	// Playbacks counts injected playbacks. Use with attribute:
	//   attribute.String("status", "ok"|"timeout"|"error")
	Playbacks metric.Int64Counter

	// --- Speech ---

	// SynthesisDuration tracks text-to-speech latency. Use with attribute:
	//   attribute.String("backend", ...)
	SynthesisDuration metric.Float64Histogram

	// Utterances counts spoken utterances. Use with attributes:
	//   attribute.String("status", ...), attribute.String("path", "engine"|"direct")
	Utterances metric.Int64Counter

	// UtterancesDropped counts utterances rejected because the queue was full.
	UtterancesDropped metric.Int64Counter

	// BreakerTransitions counts circuit state changes of speech backends. Use
	// with attributes:
	//   attribute.String("backend", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Processes ---

	// ProcessExits counts unexpected exits of supervised processes. Use with
	// attribute:
	//   attribute.String("process", ...)
	ProcessExits metric.Int64Counter

	// --- Frame streaming ---

	// StreamSubscribers tracks connected frame-stream subscribers.
	StreamSubscribers metric.Int64UpDownCounter

	// StreamFramesDropped counts frames skipped for slow subscribers.
	StreamFramesDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for speech
// synthesis and playback, which range from tens of milliseconds to tens of
// seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Frames.
	if met.FramesServed, err = m.Int64Counter("autokj.frames.served",
		metric.WithDescription("Total 16 kHz frames handed to consumers."),
	); err != nil {
		return nil, err
	}
	if met.FrameWaitTimeouts, err = m.Int64Counter("autokj.frames.wait_timeouts",
		metric.WithDescription("Frame waits that timed out while the engine was running."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackDuration, err = m.Float64Histogram("autokj.playback.duration",
		metric.WithDescription("Wall time of injected playbacks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Playbacks, err = m.Int64Counter("autokj.playback.total",
		metric.WithDescription("Injected playbacks by status."),
	); err != nil {
		return nil, err
	}

	// Speech.
	if met.SynthesisDuration, err = m.Float64Histogram("autokj.speech.synthesis.duration",
		metric.WithDescription("Latency of text-to-speech synthesis by backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("autokj.speech.utterances",
		metric.WithDescription("Spoken utterances by status and output path."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesDropped, err = m.Int64Counter("autokj.speech.dropped",
		metric.WithDescription("Utterances dropped because the speech queue was full."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("autokj.speech.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by speech backend and new state."),
	); err != nil {
		return nil, err
	}

	// Processes.
	if met.ProcessExits, err = m.Int64Counter("autokj.process.exits",
		metric.WithDescription("Unexpected exits of supervised audio processes."),
	); err != nil {
		return nil, err
	}

	// Frame streaming.
	if met.StreamSubscribers, err = m.Int64UpDownCounter("autokj.stream.subscribers",
		metric.WithDescription("Connected frame-stream subscribers."),
	); err != nil {
		return nil, err
	}
	if met.StreamFramesDropped, err = m.Int64Counter("autokj.stream.dropped",
		metric.WithDescription("Frames skipped for slow stream subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("autokj.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordPlayback records one injected playback with its outcome.
func (m *Metrics) RecordPlayback(ctx context.Context, seconds float64, status string) {
	m.PlaybackDuration.Record(ctx, seconds)
	m.Playbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSynthesis records one synthesis call for backend.
func (m *Metrics) RecordSynthesis(ctx context.Context, backend string, seconds float64) {
	m.SynthesisDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("backend", backend)),
	)
}

// RecordUtterance records a finished utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, status, path string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("path", path),
		),
	)
}

// RecordBreakerTransition records that the breaker of backend entered state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("state", state),
		),
	)
}

// RecordProcessExit records an unexpected exit of a supervised process.
func (m *Metrics) RecordProcessExit(ctx context.Context, process string) {
	m.ProcessExits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("process", process)),
	)
}

// ─── Real-time audio statistics ───────────────────────────────────────────────

// AudioStats is a snapshot of counters maintained on the real-time thread.
type AudioStats struct {
	Callbacks      uint64
	SamplesPushed  uint64
	SamplesDropped uint64
	Running        bool
	Muted          bool
}

// RegisterAudioStats exposes the values returned by snapshot as observable
// instruments. snapshot is called once per collection and must be cheap.
// Unregister the returned registration when the source goes away.
func RegisterAudioStats(mp metric.MeterProvider, snapshot func() AudioStats) (metric.Registration, error) {
	m := mp.Meter(meterName)

	callbacks, err := m.Int64ObservableCounter("autokj.audio.callbacks",
		metric.WithDescription("Real-time process callbacks handled."),
	)
	if err != nil {
		return nil, err
	}
	pushed, err := m.Int64ObservableCounter("autokj.audio.samples_pushed",
		metric.WithDescription("16 kHz samples pushed into the frame channel."),
	)
	if err != nil {
		return nil, err
	}
	dropped, err := m.Int64ObservableCounter("autokj.audio.samples_dropped",
		metric.WithDescription("16 kHz samples discarded because no consumer kept up."),
	)
	if err != nil {
		return nil, err
	}
	running, err := m.Int64ObservableGauge("autokj.audio.running",
		metric.WithDescription("1 while the audio client is active."),
	)
	if err != nil {
		return nil, err
	}
	muted, err := m.Int64ObservableGauge("autokj.audio.monitor_muted",
		metric.WithDescription("1 while the microphone monitor is muted."),
	)
	if err != nil {
		return nil, err
	}

	return m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := snapshot()
		o.ObserveInt64(callbacks, int64(s.Callbacks))
		o.ObserveInt64(pushed, int64(s.SamplesPushed))
		o.ObserveInt64(dropped, int64(s.SamplesDropped))
		o.ObserveInt64(running, boolInt(s.Running))
		o.ObserveInt64(muted, boolInt(s.Muted))
		return nil
	}, callbacks, pushed, dropped, running, muted)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
