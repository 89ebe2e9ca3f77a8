package audio

import (
	"fmt"
	"math"
)

// Resample converts a mono PCM16 little-endian frame from one sample rate to
// another by linear interpolation. The output holds len(frame)/2*toRate/fromRate
// samples, each rounded to the nearest integer and clamped to the int16 range.
func Resample(frame []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d Hz", ErrInvalidSampleRate, fromRate, toRate)
	}
	samples, err := DecodePCM16(frame)
	if err != nil {
		return nil, err
	}
	if fromRate == toRate || len(samples) == 0 {
		out := make([]byte, len(frame))
		copy(out, frame)
		return out, nil
	}
	return EncodePCM16(resampleSamples(samples, fromRate, toRate)), nil
}

func resampleSamples(samples []int16, fromRate, toRate int) []int16 {
	outLen := len(samples) * toRate / fromRate
	out := make([]int16, outLen)
	step := float64(fromRate) / float64(toRate)
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		v := float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac
		out[i] = clamp16(math.Round(v))
	}
	return out
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
