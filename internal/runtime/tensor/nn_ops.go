package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Softmax normalizes x along dim. The reduction runs in float64 with the
// row maximum subtracted first, so large logits do not overflow.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}
	if len(x.shape) == 0 {
		return nil, errors.New("tensor: softmax requires rank >= 1")
	}

	dim, err := normalizeDim(dim, len(x.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	axis := x.shape[dim]
	if axis <= 0 {
		return nil, fmt.Errorf("tensor: softmax axis dimension must be > 0, got %d", axis)
	}

	var outer, inner int64 = 1, 1
	for i, d := range x.shape {
		switch {
		case i < dim:
			outer *= d
		case i > dim:
			inner *= d
		}
	}

	out := x.Clone()
	for o := range outer {
		for in := range inner {
			base := o*axis*inner + in

			maxV := out.data[base]
			for k := int64(1); k < axis; k++ {
				if v := out.data[base+k*inner]; v > maxV {
					maxV = v
				}
			}

			var sum float64
			for k := range axis {
				i := base + k*inner
				e := math.Exp(float64(out.data[i] - maxV))
				out.data[i] = float32(e)
				sum += e
			}
			if sum == 0 {
				return nil, errors.New("tensor: softmax encountered zero normalization sum")
			}

			inv := float32(1.0 / sum)
			for k := range axis {
				out.data[base+k*inner] *= inv
			}
		}
	}

	return out, nil
}

// LayerNorm normalizes the last dimension of x and applies the optional
// elementwise weight and bias, both of which must be rank 1 of that size.
func LayerNorm(x, weight, bias *Tensor, eps float32) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: layernorm input is nil")
	}
	if x.Rank() < 1 {
		return nil, errors.New("tensor: layernorm requires rank >= 1")
	}
	if eps <= 0 {
		return nil, errors.New("tensor: layernorm eps must be > 0")
	}

	d := x.shape[len(x.shape)-1]
	if d <= 0 {
		return nil, errors.New("tensor: layernorm last dimension must be > 0")
	}
	if weight != nil && (weight.Rank() != 1 || weight.shape[0] != d) {
		return nil, fmt.Errorf("tensor: layernorm weight shape %v does not match last dimension %d", weight.shape, d)
	}
	if bias != nil && (bias.Rank() != 1 || bias.shape[0] != d) {
		return nil, fmt.Errorf("tensor: layernorm bias shape %v does not match last dimension %d", bias.shape, d)
	}

	out := x.Clone()
	dd := int(d)
	rows := len(x.data) / dd

	for r := range rows {
		row := out.data[r*dd : (r+1)*dd]

		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(dd)

		var variance float64
		for _, v := range row {
			delta := float64(v) - mean
			variance += delta * delta
		}
		variance /= float64(dd)

		invStd := float32(1.0 / math.Sqrt(variance+float64(eps)))
		for i := range row {
			n := (row[i] - float32(mean)) * invStd
			if weight != nil {
				n *= weight.data[i]
			}
			if bias != nil {
				n += bias.data[i]
			}
			row[i] = n
		}
	}

	return out, nil
}

// MatMul multiplies the trailing two dimensions of a and b, broadcasting
// the leading batch dimensions against each other. Batches are distributed
// across the kernel worker pool.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul requires non-nil inputs")
	}
	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, fmt.Errorf("tensor: matmul requires rank >= 2, got %d and %d", a.Rank(), b.Rank())
	}

	aShape, bShape := a.shape, b.shape
	aRank, bRank := len(aShape), len(bShape)

	m := aShape[aRank-2]
	k := aShape[aRank-1]
	n := bShape[bRank-1]
	if bShape[bRank-2] != k {
		return nil, fmt.Errorf("tensor: matmul mismatch: A shape %v and B shape %v (K dims %d vs %d)", aShape, bShape, k, bShape[bRank-2])
	}

	batchShape, err := broadcastShape(aShape[:aRank-2], bShape[:bRank-2])
	if err != nil {
		return nil, fmt.Errorf("tensor: matmul batch broadcast: %w", err)
	}

	outShape := make([]int64, 0, len(batchShape)+2)
	outShape = append(outShape, batchShape...)
	outShape = append(outShape, m, n)

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	aStrides := computeStrides(aShape)
	bStrides := computeStrides(bShape)
	outStrides := computeStrides(outShape)
	batchStrides := computeStrides(batchShape)

	batchCount, err := shapeElemCount(batchShape)
	if err != nil {
		return nil, err
	}

	mulBatch := func(lo, hi int) {
		coords := make([]int64, len(batchShape))
		for batchIdx := lo; batchIdx < hi; batchIdx++ {
			linearToCoord(int64(batchIdx), batchShape, batchStrides, coords)
			aOff := broadcastBatchOffset(coords, aShape[:aRank-2], aStrides[:aRank-2])
			bOff := broadcastBatchOffset(coords, bShape[:bRank-2], bStrides[:bRank-2])
			outOff := coordToLinear(coords, outStrides[:len(batchShape)])

			for i := range m {
				for j := range n {
					var sum float32
					for kk := range k {
						av := a.data[aOff+i*aStrides[aRank-2]+kk*aStrides[aRank-1]]
						bv := b.data[bOff+kk*bStrides[bRank-2]+j*bStrides[bRank-1]]
						sum += av * bv
					}
					out.data[outOff+i*outStrides[len(outShape)-2]+j*outStrides[len(outShape)-1]] = sum
				}
			}
		}
	}
	parallelFor(int(batchCount), Workers(), mulBatch)

	return out, nil
}

// Linear computes y = x W^T + b for weight of shape [out, in]. Rows of x
// are distributed across the kernel worker pool.
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear requires non-nil x and weight")
	}
	if x.Rank() < 1 {
		return nil, errors.New("tensor: linear requires x rank >= 1")
	}
	if weight.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be rank 2, got %d", weight.Rank())
	}

	in := x.shape[x.Rank()-1]
	outDim := weight.shape[0]
	if weight.shape[1] != in {
		return nil, fmt.Errorf("tensor: linear mismatch: x last dim %d, weight in dim %d", in, weight.shape[1])
	}
	if bias != nil && (bias.Rank() != 1 || bias.shape[0] != outDim) {
		return nil, fmt.Errorf("tensor: linear bias shape %v does not match out dim %d", bias.shape, outDim)
	}

	inI, outI := int(in), int(outDim)
	rows := len(x.data) / inI
	outData := make([]float32, rows*outI)
	wData := weight.data

	parallelFor(rows, Workers(), func(lo, hi int) {
		for r := lo; r < hi; r++ {
			xRow := x.data[r*inI : (r+1)*inI]
			yBase := r * outI
			for o := range outI {
				sum := dotF32(xRow, wData[o*inI:(o+1)*inI])
				if bias != nil {
					sum += bias.data[o]
				}
				outData[yBase+o] = sum
			}
		}
	})

	outShape := make([]int64, x.Rank())
	copy(outShape, x.shape[:x.Rank()-1])
	outShape[x.Rank()-1] = outDim

	return newOwned(outData, outShape), nil
}
