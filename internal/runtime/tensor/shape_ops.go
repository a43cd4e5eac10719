package tensor

import (
	"errors"
	"fmt"
)

// innerOuter returns the element counts below and above dim, so slicing
// ops can copy contiguous spans instead of mapping coordinates.
func innerOuter(shape []int64, dim int) (inner, outer int64) {
	inner, outer = 1, 1
	for i, d := range shape {
		switch {
		case i < dim:
			outer *= d
		case i > dim:
			inner *= d
		}
	}
	return inner, outer
}

// Narrow returns the slice [start, start+length) of t along dim.
func (t *Tensor) Narrow(dim int, start, length int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: narrow on nil tensor")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: narrow: %w", err)
	}
	if start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, fmt.Errorf("tensor: narrow: range [%d:%d] out of bounds for dim %d size %d", start, start+length, dim, t.shape[dim])
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[dim] = length

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	inner, outer := innerOuter(t.shape, dim)
	span := length * inner
	srcStep := t.shape[dim] * inner

	for o := range outer {
		src := o*srcStep + start*inner
		copy(out.data[o*span:(o+1)*span], t.data[src:src+span])
	}

	return out, nil
}

// Gather selects rows of t along dim, one per entry in indices. Repeated
// indices are allowed.
func (t *Tensor) Gather(dim int, indices []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: gather on nil tensor")
	}
	if len(indices) == 0 {
		return nil, errors.New("tensor: gather requires at least one index")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: gather: %w", err)
	}
	for i, idx := range indices {
		if idx < 0 || idx >= t.shape[dim] {
			return nil, fmt.Errorf("tensor: gather index %d (%d) out of range for dim %d size %d", i, idx, dim, t.shape[dim])
		}
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[dim] = int64(len(indices))

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	inner, outer := innerOuter(t.shape, dim)
	srcStep := t.shape[dim] * inner
	dstStep := int64(len(indices)) * inner

	for o := range outer {
		for k, idx := range indices {
			src := o*srcStep + idx*inner
			dst := o*dstStep + int64(k)*inner
			copy(out.data[dst:dst+inner], t.data[src:src+inner])
		}
	}

	return out, nil
}

// Transpose returns a copy of t with dim1 and dim2 swapped.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	rank := len(t.shape)
	d1, err := normalizeDim(dim1, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim1: %w", err)
	}
	d2, err := normalizeDim(dim2, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim2: %w", err)
	}
	if d1 == d2 {
		return t.Clone(), nil
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[d1], outShape[d2] = outShape[d2], outShape[d1]

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	srcStrides := computeStrides(t.shape)
	outStrides := computeStrides(outShape)
	outCoord := make([]int64, rank)
	srcCoord := make([]int64, rank)

	for i := range out.data {
		linearToCoord(int64(i), outShape, outStrides, outCoord)
		copy(srcCoord, outCoord)
		srcCoord[d1], srcCoord[d2] = outCoord[d2], outCoord[d1]
		out.data[i] = t.data[coordToLinear(srcCoord, srcStrides)]
	}

	return out, nil
}

// Concat joins tensors along dim. All inputs must share rank and agree on
// every other dimension.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor: concat requires at least one tensor")
	}

	first := tensors[0]
	if first == nil {
		return nil, errors.New("tensor: concat tensor 0 is nil")
	}

	rank := len(first.shape)
	dim, err := normalizeDim(dim, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: concat: %w", err)
	}

	outShape := append([]int64(nil), first.shape...)
	outShape[dim] = 0

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensor: concat tensor %d is nil", i)
		}
		if len(t.shape) != rank {
			return nil, fmt.Errorf("tensor: concat tensor %d rank %d does not match rank %d", i, len(t.shape), rank)
		}
		for d := range rank {
			if d != dim && t.shape[d] != first.shape[d] {
				return nil, fmt.Errorf("tensor: concat tensor %d shape %v does not match base shape %v on dim %d", i, t.shape, first.shape, d)
			}
		}
		outShape[dim] += t.shape[dim]
	}

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	inner, outer := innerOuter(outShape, dim)
	dstStep := outShape[dim] * inner

	for o := range outer {
		writePos := o * dstStep
		for _, t := range tensors {
			span := t.shape[dim] * inner
			src := o * span
			copy(out.data[writePos:writePos+span], t.data[src:src+span])
			writePos += span
		}
	}

	return out, nil
}
