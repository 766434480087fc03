package vad

import "math"

// FrameEnergy returns the RMS amplitude of one channel of interleaved 16-bit
// PCM. For stereo input only the first (left) channel is read, i.e. every
// other sample. An empty frame has zero energy.
func FrameEnergy(pcm []int16, channels int) float64 {
	if channels < 1 {
		channels = 1
	}
	var sumSq float64
	count := 0
	for i := 0; i < len(pcm); i += channels {
		v := float64(pcm[i])
		sumSq += v * v
		count++
	}
	if count == 0 {
		return 0
	}
	return Clamp(math.Sqrt(sumSq / float64(count)))
}

// Clamp maps negative, NaN and infinite energies to zero. The classifier
// assumes its input has been through Clamp.
func Clamp(e float64) float64 {
	if math.IsNaN(e) || math.IsInf(e, 0) || e < 0 {
		return 0
	}
	return e
}
