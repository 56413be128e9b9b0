// Package frames hands decimated 16 kHz audio from the real-time callback to
// consumer goroutines.
//
// A [Channel] is a bounded ring of int16 samples. The callback is the single
// producer: [Channel.Push] copies into the ring under a short-held mutex and
// never blocks. Consumers call [Channel.Get], which waits in bounded slices
// until a full frame is available, the channel is stopped, or the timeout
// elapses. Samples beyond the returned frame stay queued in order for the
// next call.
package frames

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/autokj/pkg/audio"
)

const (
	// DefaultPollInterval bounds how long a waiting consumer sleeps before
	// re-checking the running flag.
	DefaultPollInterval = 20 * time.Millisecond

	// DefaultCapacity holds five seconds of 16 kHz audio.
	DefaultCapacity = 5 * audio.FrameRate
)

// Option configures a [Channel].
type Option func(*Channel)

// WithCapacity sets the ring size in samples. Values smaller than one frame
// are raised to [audio.FrameSize].
func WithCapacity(samples int) Option {
	return func(c *Channel) {
		c.capacity = max(samples, audio.FrameSize)
	}
}

// WithPollInterval sets the consumer wait granularity.
func WithPollInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.poll = d
		}
	}
}

// Channel is a thread-safe frame hand-off. The zero value is not usable; use
// [New].
type Channel struct {
	capacity int
	poll     time.Duration

	mu    sync.Mutex
	ring  []int16
	head  int // index of the oldest queued sample
	count int

	running atomic.Bool
	notify  chan struct{}
	dropped atomic.Uint64
	pushed  atomic.Uint64
}

// New returns a stopped Channel. Call [Channel.Start] before consumers can
// receive frames.
func New(opts ...Option) *Channel {
	c := &Channel{
		capacity: DefaultCapacity,
		poll:     DefaultPollInterval,
		notify:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	c.ring = make([]int16, c.capacity)
	return c
}

// Start marks the channel as running so Get waits for data.
func (c *Channel) Start() {
	c.running.Store(true)
}

// Stop clears the running flag. Waiting consumers return within one poll
// interval; later Get calls return immediately. Queued samples are kept.
func (c *Channel) Stop() {
	c.running.Store(false)
	c.signal()
}

// Running reports whether the channel is accepting waits.
func (c *Channel) Running() bool {
	return c.running.Load()
}

// Push appends samples to the queue and wakes a waiting consumer. If the ring
// is full the oldest samples are overwritten and counted as dropped. Push
// never blocks on consumers and never allocates.
func (c *Channel) Push(samples []int16) {
	if len(samples) == 0 {
		return
	}
	c.mu.Lock()
	if len(samples) > c.capacity {
		over := len(samples) - c.capacity
		c.dropped.Add(uint64(over))
		samples = samples[over:]
	}
	if free := c.capacity - c.count; len(samples) > free {
		over := len(samples) - free
		c.head = (c.head + over) % c.capacity
		c.count -= over
		c.dropped.Add(uint64(over))
	}
	tail := (c.head + c.count) % c.capacity
	n := copy(c.ring[tail:], samples)
	copy(c.ring, samples[n:])
	c.count += len(samples)
	c.mu.Unlock()

	c.pushed.Add(uint64(len(samples)))
	c.signal()
}

// Get returns the next [audio.FrameSize] samples. It blocks until a full
// frame is queued, the channel stops, or timeout elapses; a non-positive
// timeout waits for as long as the channel runs. The boolean is false when
// no frame was produced.
func (c *Channel) Get(timeout time.Duration) (audio.Frame, bool) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if !c.running.Load() {
			return nil, false
		}
		if f, ok := c.take(); ok {
			return f, true
		}

		wait := c.poll
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, false
			}
			wait = min(wait, remaining)
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-c.notify:
		case <-timer.C:
		}
	}
}

// take slices one frame off the front of the ring if enough samples exist.
func (c *Channel) take() (audio.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count < audio.FrameSize {
		return nil, false
	}
	f := make(audio.Frame, audio.FrameSize)
	n := copy(f, c.ring[c.head:min(c.head+audio.FrameSize, c.capacity)])
	copy(f[n:], c.ring)
	c.head = (c.head + audio.FrameSize) % c.capacity
	c.count -= audio.FrameSize

	// Another consumer may be waiting for the remainder.
	if c.count >= audio.FrameSize {
		c.signal()
	}
	return f, true
}

// Pending returns the number of queued samples.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Reset discards all queued samples.
func (c *Channel) Reset() {
	c.mu.Lock()
	c.head, c.count = 0, 0
	c.mu.Unlock()
}

// Dropped returns the total number of samples overwritten because no
// consumer drained the ring in time.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Pushed returns the total number of samples accepted by Push.
func (c *Channel) Pushed() uint64 {
	return c.pushed.Load()
}

// signal performs a non-blocking wake of one waiter.
func (c *Channel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
