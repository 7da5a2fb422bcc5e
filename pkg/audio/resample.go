package audio

import (
	"math"
)

// Resample converts a block of samples from inputRate to targetRate using
// linear interpolation between the two nearest source samples. Equal rates
// return the input unchanged. Output length is ceil(len * target / input).
//
// Speech-grade quality only: good enough for intelligibility, cheap enough
// to run inside one capture block period.
func Resample(block []float32, inputRate, targetRate int) []float32 {
	if inputRate <= 0 || targetRate <= 0 || len(block) == 0 {
		return nil
	}
	if inputRate == targetRate {
		return block
	}

	outLen := int(math.Ceil(float64(len(block)) * float64(targetRate) / float64(inputRate)))
	if outLen <= 0 {
		return nil
	}

	out := make([]float32, outLen)
	ratio := float64(inputRate) / float64(targetRate)
	last := len(block) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = block[last]
			continue
		}
		frac := float32(pos - float64(idx))
		s0 := block[idx]
		s1 := block[idx+1]
		out[i] = s0 + frac*(s1-s0)
	}
	return out
}
