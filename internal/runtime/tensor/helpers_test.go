package tensor

import "math"

// equalI64 reports element-wise equality of two int64 slices.
func equalI64(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// equalF32 compares float32 slices within tol; a tol of 0 means exact.
func equalF32(a, b []float32, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if tol == 0 && a[i] != b[i] {
			return false
		}
		if tol > 0 && math.Abs(float64(a[i]-b[i])) > tol {
			return false
		}
	}
	return true
}

func make16(val float32) []float32 {
	s := make([]float32, 16)
	for i := range s {
		s[i] = val
	}
	return s
}
