// Package reverb implements the Schroeder reverberator used to shape the
// monitor signal: a bank of parallel feedback comb filters followed by
// allpass diffusers in series, blended with the dry input.
//
// Transfer functions per stage:
//
//	comb:    z^-D / (1 - g·z^-D)
//	allpass: (z^-D - g) / (1 - g·z^-D)
//
// Filter state persists across calls to [Reverb.Process] so that a tail
// started in one block keeps ringing in later blocks.
package reverb

import (
	"math"

	"github.com/MrWong99/autokj/pkg/audio"
)

// Stage is one delay-line filter: its delay in samples at the tuning's
// reference rate and its feedback gain.
type Stage struct {
	Delay int
	Gain  float32
}

// Tuning is a complete filter table specified at ReferenceRate. Delays are
// rescaled to the engine rate by [ScaleDelay].
type Tuning struct {
	ReferenceRate int
	Combs         []Stage
	Allpasses     []Stage
}

// DefaultTuning is the four-comb, two-allpass table used for the monitor.
// Comb delays are mutually prime so their echoes do not pile up on the same
// samples.
var DefaultTuning = Tuning{
	ReferenceRate: 44100,
	Combs: []Stage{
		{Delay: 1687, Gain: 0.773},
		{Delay: 1601, Gain: 0.802},
		{Delay: 2053, Gain: 0.753},
		{Delay: 2251, Gain: 0.733},
	},
	Allpasses: []Stage{
		{Delay: 556, Gain: 0.5},
		{Delay: 441, Gain: 0.5},
	},
}

// ScaleDelay converts a delay at refRate to rate, rounding to the nearest
// sample. The result is never below one sample.
func ScaleDelay(delay, rate, refRate int) int {
	if refRate <= 0 || rate == refRate {
		return max(delay, 1)
	}
	d := int(math.Round(float64(delay) * float64(rate) / float64(refRate)))
	return max(d, 1)
}

// delayLine is the circular buffer shared by comb and allpass stages.
type delayLine struct {
	buf  []float32
	pos  int
	gain float32
}

func newDelayLine(delay int, gain float32) delayLine {
	return delayLine{buf: make([]float32, delay), gain: gain}
}

// comb: y = buf[pos]; buf[pos] = x + g*y.
func (l *delayLine) comb(x float32) float32 {
	y := l.buf[l.pos]
	l.buf[l.pos] = x + l.gain*y
	l.pos++
	if l.pos == len(l.buf) {
		l.pos = 0
	}
	return y
}

// allpass: d = buf[pos]; buf[pos] = s + g*d; out = d - g*s.
func (l *delayLine) allpass(s float32) float32 {
	d := l.buf[l.pos]
	l.buf[l.pos] = s + l.gain*d
	l.pos++
	if l.pos == len(l.buf) {
		l.pos = 0
	}
	return d - l.gain*s
}

func (l *delayLine) reset() {
	clear(l.buf)
	l.pos = 0
}

// Option configures a [Reverb].
type Option func(*options)

type options struct {
	tuning Tuning
}

// WithTuning replaces [DefaultTuning].
func WithTuning(t Tuning) Option {
	return func(o *options) { o.tuning = t }
}

// Reverb is a Schroeder reverberator. It is owned by the audio callback
// goroutine and is not safe for concurrent use. Process never allocates.
type Reverb struct {
	wet       float32
	combs     []delayLine
	allpasses []delayLine
}

// New creates a Reverb for the given sample rate and wet ratio. The wet
// ratio is clamped to [0, 1]; zero (or less) makes the reverb a pass-through.
func New(rate int, wet float32, opts ...Option) *Reverb {
	o := options{tuning: DefaultTuning}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Reverb{wet: min(max(wet, 0), 1)}
	for _, s := range o.tuning.Combs {
		r.combs = append(r.combs, newDelayLine(ScaleDelay(s.Delay, rate, o.tuning.ReferenceRate), s.Gain))
	}
	for _, s := range o.tuning.Allpasses {
		r.allpasses = append(r.allpasses, newDelayLine(ScaleDelay(s.Delay, rate, o.tuning.ReferenceRate), s.Gain))
	}
	return r
}

// Wet returns the configured wet ratio.
func (r *Reverb) Wet() float32 { return r.wet }

// Enabled reports whether Process changes the signal at all.
func (r *Reverb) Enabled() bool { return r.wet > 0 && len(r.combs) > 0 }

// CombDelays returns the scaled comb delay lengths in samples.
func (r *Reverb) CombDelays() []int {
	out := make([]int, len(r.combs))
	for i := range r.combs {
		out[i] = len(r.combs[i].buf)
	}
	return out
}

// AllpassDelays returns the scaled allpass delay lengths in samples.
func (r *Reverb) AllpassDelays() []int {
	out := make([]int, len(r.allpasses))
	for i := range r.allpasses {
		out[i] = len(r.allpasses[i].buf)
	}
	return out
}

// MaxDelay returns the longest delay line in samples.
func (r *Reverb) MaxDelay() int {
	m := 0
	for _, d := range r.CombDelays() {
		m = max(m, d)
	}
	for _, d := range r.AllpassDelays() {
		m = max(m, d)
	}
	return m
}

// Process renders in through the filter cascade into out, which must be at
// least len(in) long. in and out may be the same slice. Each output sample is
// dry*(1-wet) + wet*allpass, clamped to [-1, 1].
//
// When the reverb is disabled the input is copied through unchanged and no
// filter state is touched.
func (r *Reverb) Process(in, out []float32) {
	out = out[:len(in)]
	if !r.Enabled() {
		copy(out, in)
		return
	}

	dryMix := 1 - r.wet
	norm := 1 / float32(len(r.combs))
	for n, x := range in {
		var sum float32
		for i := range r.combs {
			sum += r.combs[i].comb(x)
		}
		s := sum * norm
		for j := range r.allpasses {
			s = r.allpasses[j].allpass(s)
		}
		out[n] = audio.Clamp(x*dryMix + r.wet*s)
	}
}

// Reset silences every delay line.
func (r *Reverb) Reset() {
	for i := range r.combs {
		r.combs[i].reset()
	}
	for i := range r.allpasses {
		r.allpasses[i].reset()
	}
}
