// Package decimate reduces native-rate float audio to the 16 kHz int16 stream
// consumed by speech components.
//
// Decimation is plain 3:1 subsampling with no anti-aliasing low-pass. Content
// above 8 kHz folds back into the output band; downstream wake-word and
// transcription models are tuned against this signal, so it is kept as is.
package decimate

import "github.com/MrWong99/autokj/pkg/audio"

// Factor is the decimation ratio (native samples per output sample).
const Factor = audio.DecimationFactor

// Decimator is a stateful 3:1 sample-rate reducer. Samples that do not fill
// a complete group of [Factor] are carried into the next call.
//
// A Decimator is owned by a single goroutine (the audio callback) and is not
// safe for concurrent use. It never allocates after construction.
type Decimator struct {
	carry  [Factor - 1]float32
	nCarry int
}

// New returns a Decimator with an empty carry buffer.
func New() *Decimator {
	return &Decimator{}
}

// Process appends block to the carried samples, emits every third sample of
// the first 3*floor(total/3) samples as int16 into dst, and keeps the 0–2
// leftover samples for the next call. It returns dst extended by the output;
// pass dst[:0] of a buffer with capacity OutputLen(len(block)) to stay
// allocation-free.
func (d *Decimator) Process(block []float32, dst []int16) []int16 {
	total := d.nCarry + len(block)
	if total < Factor {
		// Not enough for one output sample; only accumulate.
		copy(d.carry[d.nCarry:], block)
		d.nCarry = total
		return dst
	}

	n := total / Factor
	for k := range n {
		idx := k * Factor
		var s float32
		if idx < d.nCarry {
			s = d.carry[idx]
		} else {
			s = block[idx-d.nCarry]
		}
		dst = append(dst, audio.FloatToPCM16(s))
	}

	// Everything at virtual index >= 3n is carried. That tail always lies in
	// block because nCarry < Factor <= 3n.
	rest := block[n*Factor-d.nCarry:]
	d.nCarry = copy(d.carry[:], rest)
	return dst
}

// Carry reports how many native samples are waiting for the next call.
func (d *Decimator) Carry() int {
	return d.nCarry
}

// Reset discards the carried samples.
func (d *Decimator) Reset() {
	d.nCarry = 0
}

// OutputLen returns the largest number of samples a single Process call can
// emit for a block of n samples.
func OutputLen(n int) int {
	return (n + Factor - 1) / Factor
}
