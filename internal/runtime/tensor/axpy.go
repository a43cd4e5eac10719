package tensor

// Axpy computes dst += alpha * src element-wise over the common prefix of
// the two slices. A zero alpha is a no-op.
func Axpy(dst []float32, alpha float32, src []float32) {
	n := min(len(dst), len(src))
	if n == 0 || alpha == 0 {
		return
	}

	dst = dst[:n]
	src = src[:n]
	for i := range dst {
		dst[i] += alpha * src[i]
	}
}
