// Package framesrv streams 16 kHz frames to remote consumers over WebSocket.
//
// A [Hub] is the single in-process reader of the engine's frames. It fans
// every frame out to its subscribers, each of which has a small buffer; a
// subscriber that falls behind loses frames rather than stalling the others.
// On the wire each frame is one binary message of little-endian PCM16.
package framesrv

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/autokj/internal/observe"
	"github.com/MrWong99/autokj/pkg/audio"
)

// Path is the route the hub is served on.
const Path = "/frames"

const (
	// DefaultBuffer is the number of frames buffered per subscriber (about
	// one second).
	DefaultBuffer = 12

	// DefaultPollInterval bounds each wait for a frame so the hub notices
	// cancellation promptly.
	DefaultPollInterval = 100 * time.Millisecond

	writeTimeout = 2 * time.Second
)

// ErrClosed is returned by [Hub.Subscribe] once the hub has shut down.
var ErrClosed = errors.New("framesrv: hub closed")

// Source is the frame producer, normally the audio engine.
type Source interface {
	GetFrame(timeout time.Duration) (audio.Frame, bool)
	Stopped() <-chan struct{}
}

// Option configures a [Hub].
type Option func(*Hub)

// WithBuffer overrides [DefaultBuffer].
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithPollInterval overrides [DefaultPollInterval].
func WithPollInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.poll = d
		}
	}
}

// WithMetrics records subscriber counts and drops on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithOriginPatterns allows cross-origin browser clients matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// Hub fans frames out to subscribers.
type Hub struct {
	src     Source
	buffer  int
	poll    time.Duration
	metrics *observe.Metrics
	origins []string

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub creates a hub reading from src. Call [Hub.Run] to start it.
func NewHub(src Source, opts ...Option) *Hub {
	h := &Hub{
		src:    src,
		buffer: DefaultBuffer,
		poll:   DefaultPollInterval,
		subs:   make(map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Subscription receives frames from a [Hub].
type Subscription struct {
	hub     *Hub
	ch      chan audio.Frame
	dropped atomic.Uint64
}

// Frames returns the frame channel. It is closed when the hub shuts down or
// the subscription is closed.
func (s *Subscription) Frames() <-chan audio.Frame { return s.ch }

// Dropped returns how many frames this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() { s.hub.remove(s) }

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	s := &Subscription{hub: h, ch: make(chan audio.Frame, h.buffer)}
	h.subs[s] = struct{}{}
	h.metrics.StreamSubscribers.Add(context.Background(), 1)
	return s, nil
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.ch)
	h.metrics.StreamSubscribers.Add(context.Background(), -1)
}

// Run reads frames until ctx is done or the source stops, then closes every
// subscription. It returns nil when the source stopped.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.src.Stopped():
			return nil
		default:
		}
		if f, ok := h.src.GetFrame(h.poll); ok {
			h.broadcast(f)
		}
	}
}

func (h *Hub) broadcast(f audio.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- f:
		default:
			s.dropped.Add(1)
			h.metrics.StreamFramesDropped.Add(context.Background(), 1)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
		h.metrics.StreamSubscribers.Add(context.Background(), -1)
	}
}

// Register adds the frame stream route to mux.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.Handle("GET "+Path, h)
}

// ServeHTTP upgrades the request to a WebSocket and streams frames until the
// client goes away or the hub shuts down. Messages from the client are
// ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Subscribe()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("framesrv: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	log := slog.With("component", "framesrv", "remote", r.RemoteAddr)
	log.Info("frame stream subscriber connected")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			log.Info("frame stream subscriber left", "dropped", sub.Dropped())
			return
		case f, ok := <-sub.Frames():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "audio engine stopped")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageBinary, audio.PCM16Bytes(f))
			cancel()
			if err != nil {
				log.Debug("frame stream write failed", "err", err)
				return
			}
		}
	}
}
