package audio

import "math"

// PeakNormalize scales samples so the peak amplitude reaches 1.0.
// Silence is returned unchanged.
func PeakNormalize(samples []float32) []float32 {
	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return samples
	}

	gain := 1.0 / peak
	for i := range samples {
		samples[i] *= gain
	}

	return samples
}

// DCBlock removes DC offset from samples using a one-pole high-pass
// filter with a cutoff around 20 Hz.
func DCBlock(samples []float32, sampleRate int) []float32 {
	if len(samples) == 0 || sampleRate < 1 {
		return samples
	}

	const cutoffHz = 20.0
	r := float32(1.0 - 2.0*math.Pi*cutoffHz/float64(sampleRate))

	prevIn := samples[0]
	prevOut := samples[0]
	for i := 1; i < len(samples); i++ {
		in := samples[i]
		out := in - prevIn + r*prevOut
		samples[i] = out
		prevIn = in
		prevOut = out
	}

	return samples
}

// FadeIn applies a linear fade-in ramp over the given duration in milliseconds.
func FadeIn(samples []float32, sampleRate int, ms float64) []float32 {
	n := fadeLen(len(samples), sampleRate, ms)
	for i := 0; i < n; i++ {
		samples[i] *= float32(i) / float32(n)
	}

	return samples
}

// FadeOut applies a linear fade-out ramp over the given duration in milliseconds.
func FadeOut(samples []float32, sampleRate int, ms float64) []float32 {
	n := fadeLen(len(samples), sampleRate, ms)
	last := len(samples) - 1
	for i := len(samples) - n; i < len(samples); i++ {
		samples[i] *= float32(last-i) / float32(n)
	}

	return samples
}

func fadeLen(total, sampleRate int, ms float64) int {
	if total == 0 || sampleRate < 1 || ms <= 0 {
		return 0
	}
	n := int(ms / 1000.0 * float64(sampleRate))
	if n > total {
		n = total
	}

	return n
}
