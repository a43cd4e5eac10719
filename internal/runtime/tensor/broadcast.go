package tensor

import "fmt"

// BroadcastAdd adds a and b element-wise with NumPy-style broadcasting.
func BroadcastAdd(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, "add", func(x, y float32) float32 { return x + y })
}

// BroadcastMul multiplies a and b element-wise with NumPy-style broadcasting.
func BroadcastMul(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, "mul", func(x, y float32) float32 { return x * y })
}

func broadcastBinary(a, b *Tensor, op string, fn func(x, y float32) float32) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: broadcast %s requires non-nil inputs", op)
	}

	outShape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: broadcast %s: %w", op, err)
	}

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	aShape := leftPadShape(a.shape, len(outShape))
	bShape := leftPadShape(b.shape, len(outShape))
	aStrides := computeStrides(aShape)
	bStrides := computeStrides(bShape)
	outStrides := computeStrides(outShape)

	coord := make([]int64, len(outShape))
	for i := range out.data {
		linearToCoord(int64(i), outShape, outStrides, coord)

		var aOff, bOff int64
		for d, c := range coord {
			if aShape[d] != 1 {
				aOff += c * aStrides[d]
			}
			if bShape[d] != 1 {
				bOff += c * bStrides[d]
			}
		}
		out.data[i] = fn(a.data[aOff], b.data[bOff])
	}

	return out, nil
}

// broadcastShape resolves the common shape of a and b, aligning from the
// trailing dimension. A size-1 dimension stretches to match the other side.
func broadcastShape(a, b []int64) ([]int64, error) {
	rank := max(len(a), len(b))

	out := make([]int64, rank)
	for i := range rank {
		ad, bd := int64(1), int64(1)
		if j := i - (rank - len(a)); j >= 0 {
			ad = a[j]
		}
		if j := i - (rank - len(b)); j >= 0 {
			bd = b[j]
		}

		switch {
		case ad == bd || ad == 1:
			out[i] = bd
		case bd == 1:
			out[i] = ad
		default:
			return nil, fmt.Errorf("cannot broadcast shapes %v and %v", a, b)
		}
	}

	return out, nil
}

// leftPadShape extends shape to rank dimensions by prepending 1s.
func leftPadShape(shape []int64, rank int) []int64 {
	if len(shape) == rank {
		return append([]int64(nil), shape...)
	}

	out := make([]int64, rank)
	pad := rank - len(shape)
	for i := range pad {
		out[i] = 1
	}
	copy(out[pad:], shape)

	return out
}

// broadcastBatchOffset maps output batch coordinates back to a source
// tensor's flat offset, pinning stretched (size-1) dimensions at 0.
func broadcastBatchOffset(coords, srcShape, srcStrides []int64) int64 {
	if len(srcShape) == 0 {
		return 0
	}

	pad := len(coords) - len(srcShape)

	var off int64
	for i, d := range srcShape {
		if d == 1 {
			continue
		}
		off += coords[pad+i] * srcStrides[i]
	}

	return off
}
