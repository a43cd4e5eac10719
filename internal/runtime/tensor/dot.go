package tensor

// dotF32 returns the dot product of a and b using four partial sums so the
// compiler can keep independent accumulator chains in flight.
// len(a) must equal len(b); the caller is responsible for this.
func dotF32(a, b []float32) float32 {
	var s0, s1, s2, s3 float32

	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for i := n; i < len(a); i++ {
		s0 += a[i] * b[i]
	}

	return s0 + s1 + s2 + s3
}

// DotProduct computes the dot product of two equal-length float32 slices.
// Exposed for the convolution and attention kernels in runtime/ops.
func DotProduct(a, b []float32) float32 {
	return dotF32(a, b)
}
