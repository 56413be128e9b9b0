package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/autokj/internal/observe"
	"github.com/MrWong99/autokj/internal/playback/direct"
)

// DefaultQueueSize is the number of utterances a [Speaker] buffers.
const DefaultQueueSize = 16

var (
	// ErrQueueFull is returned by [Speaker.Speak] when the queue is full. The
	// utterance is dropped.
	ErrQueueFull = errors.New("speech: queue full")

	// ErrClosed is returned by [Speaker.Speak] after [Speaker.Close].
	ErrClosed = errors.New("speech: speaker closed")
)

// Player is the part of the audio engine a [Speaker] drives. Mute and Unmute
// silence the live microphone monitor so the speaker does not hear itself.
type Player interface {
	Mute()
	Unmute()
	PlayPCM16(ctx context.Context, samples []int16, sourceRate int) error
}

// Playback paths reported in metrics and logs.
const (
	PathEngine = "engine"
	PathDirect = "direct"
)

// Option configures a [Speaker].
type Option func(*Speaker)

// WithDirect sets the player used when no engine is available or engine
// playback fails.
func WithDirect(p direct.Player) Option {
	return func(s *Speaker) { s.direct = p }
}

// WithQueueSize overrides [DefaultQueueSize].
func WithQueueSize(n int) Option {
	return func(s *Speaker) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithMetrics records utterance outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Speaker) { s.metrics = m }
}

// Speaker speaks queued text one utterance at a time.
type Speaker struct {
	player    Player
	synth     Synthesizer
	direct    direct.Player
	metrics   *observe.Metrics
	queueSize int

	queue  chan string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	pending int
	idle    []chan struct{}

	closeOnce sync.Once
}

// New starts a Speaker. player may be nil, in which case every utterance
// goes to the direct player.
func New(player Player, synth Synthesizer, opts ...Option) *Speaker {
	s := &Speaker{
		player:    player,
		synth:     synth,
		queueSize: DefaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.queue = make(chan string, s.queueSize)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.loop()
	return s
}

// Speak queues text. Empty or whitespace-only text is ignored. Speak never
// blocks; a full queue drops the utterance and returns [ErrQueueFull].
func (s *Speaker) Speak(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- text:
		s.pending++
		return nil
	default:
		slog.Warn("speech: queue full, dropping utterance", "queue_size", s.queueSize)
		s.metrics.UtterancesDropped.Add(context.Background(), 1)
		return ErrQueueFull
	}
}

// Pending returns the number of queued utterances including the one being
// spoken.
func (s *Speaker) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Wait blocks until every queued utterance has finished or ctx is done.
func (s *Speaker) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.pending == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.idle = append(s.idle, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker. The utterance in progress is cancelled and queued
// ones are discarded. Close is idempotent and waits for the worker to exit.
func (s *Speaker) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		s.cancel()
	})
	<-s.done
}

func (s *Speaker) loop() {
	defer close(s.done)
	for text := range s.queue {
		if s.ctx.Err() == nil {
			// Failures are logged and counted in utter.
			_ = s.utter(s.ctx, text)
		}
		s.finish()
	}
}

func (s *Speaker) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	if s.pending > 0 {
		return
	}
	for _, ch := range s.idle {
		close(ch)
	}
	s.idle = nil
}

// Say speaks text right away on the caller's goroutine, bypassing the queue,
// and returns the synthesis or playback error. Empty text is a no-op.
func (s *Speaker) Say(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.utter(ctx, text)
}

func (s *Speaker) utter(ctx context.Context, text string) error {
	ctx, span := observe.StartSpan(ctx, "speech.utterance",
		trace.WithAttributes(attribute.Int("text.length", len(text))))
	defer span.End()
	log := observe.Logger(ctx, "speech")

	samples, rate, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		log.Error("speech: synthesis failed", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		s.metrics.RecordUtterance(ctx, "error", "none")
		return fmt.Errorf("speech: synthesize: %w", err)
	}

	path, err := s.play(ctx, samples, rate)
	span.SetAttributes(attribute.String("playback.path", path))
	if err != nil {
		log.Error("speech: playback failed", "path", path, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "playback failed")
		s.metrics.RecordUtterance(ctx, "error", path)
		return err
	}
	log.Debug("speech: utterance done", "path", path, "samples", len(samples), "rate", rate)
	s.metrics.RecordUtterance(ctx, "ok", path)
	return nil
}

// play mutes the monitor for the whole utterance, including a direct
// fallback, and always unmutes afterwards.
func (s *Speaker) play(ctx context.Context, samples []int16, rate int) (string, error) {
	if s.player != nil {
		s.player.Mute()
		defer s.player.Unmute()

		err := s.player.PlayPCM16(ctx, samples, rate)
		if err == nil {
			return PathEngine, nil
		}
		if s.direct == nil || ctx.Err() != nil {
			return PathEngine, err
		}
		observe.Logger(ctx, "speech").Warn("speech: engine playback failed, using direct player", "err", err)
	}
	if s.direct == nil {
		return PathDirect, errors.New("speech: no player available")
	}
	if err := s.direct.Play(ctx, samples, rate); err != nil {
		return PathDirect, fmt.Errorf("speech: direct playback: %w", err)
	}
	return PathDirect, nil
}
