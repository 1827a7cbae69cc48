package codec

import "math"

// linearResampler converts planar float audio between sample rates with
// linear interpolation. It keeps the last input sample and the fractional
// read position between calls so block boundaries are seamless.
type linearResampler struct {
	step float64 // input samples per output sample
	pos  float64 // next read position relative to the current block
	last []float32
}

func newLinearResampler(srcRate, dstRate int) *linearResampler {
	return &linearResampler{step: float64(srcRate) / float64(dstRate)}
}

// process resamples one block. All channels must have the same length.
func (r *linearResampler) process(in [][]float32) [][]float32 {
	out := make([][]float32, len(in))
	if len(in) == 0 || len(in[0]) == 0 {
		return out
	}
	n := len(in[0])

	at := func(ch, i int) float32 {
		if i < 0 {
			return r.last[ch]
		}
		return in[ch][i]
	}

	est := int(float64(n)/r.step) + 2
	for ch := range out {
		out[ch] = make([]float32, 0, est)
	}
	for {
		idx := int(math.Floor(r.pos))
		if idx+1 > n-1 {
			break
		}
		frac := float32(r.pos - float64(idx))
		for ch := range in {
			s0, s1 := at(ch, idx), at(ch, idx+1)
			out[ch] = append(out[ch], s0+(s1-s0)*frac)
		}
		r.pos += r.step
	}

	r.pos -= float64(n)
	if r.last == nil {
		r.last = make([]float32, len(in))
	}
	for ch := range in {
		r.last[ch] = in[ch][n-1]
	}
	return out
}
