package audio

import (
	"encoding/binary"
	"math"
)

// FloatToPCM16 converts a normalised float sample to int16 by scaling with
// 32767, rounding to nearest and clamping to the int16 range.
func FloatToPCM16(x float32) int16 {
	v := math.Round(float64(x) * 32767)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// PCM16ToFloat normalises an int16 sample to [-1, 1) by dividing by 32768.
func PCM16ToFloat(s int16) float32 {
	return float32(s) / 32768
}

// PCM16ToFloats converts a slice of int16 samples to normalised floats.
func PCM16ToFloats(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = PCM16ToFloat(s)
	}
	return out
}

// Clamp limits x to the signed-audio range [-1, 1].
func Clamp(x float32) float32 {
	if x > 1 {
		return 1
	}
	if x < -1 {
		return -1
	}
	return x
}

// ResampleNearest maps in from srcRate to dstRate by nearest-index lookup:
// the output has floor(len(in)*dstRate/srcRate) samples and sample i takes
// in[floor(i*srcRate/dstRate)], clamped to the last input index. There is no
// interpolation or filtering. If the rates match or either is non-positive,
// in is returned unchanged.
func ResampleNearest(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return in
	}
	if len(in) == 0 {
		return nil
	}
	n := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	out := make([]float32, n)
	last := len(in) - 1
	for i := range out {
		idx := int(int64(i) * int64(srcRate) / int64(dstRate))
		if idx > last {
			idx = last
		}
		out[i] = in[idx]
	}
	return out
}

// PCM16Bytes encodes samples as little-endian int16 PCM.
func PCM16Bytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToPCM16 decodes little-endian int16 PCM. A trailing odd byte is
// ignored.
func BytesToPCM16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
