package tensor

import (
	"errors"
	"fmt"
)

// Tensor is a dense, row-major float32 tensor. All runtime kernels in this
// package operate on this representation.
type Tensor struct {
	shape []int64
	data  []float32
}

func cloneShape(shape []int64) []int64 {
	return append([]int64(nil), shape...)
}

// New creates a tensor holding copies of data and shape. The data length
// must match the element count implied by the shape.
func New(data []float32, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	return &Tensor{
		shape: cloneShape(shape),
		data:  append([]float32(nil), data...),
	}, nil
}

// newOwned wraps data and shape without copying. The caller hands over
// ownership and guarantees len(data) matches the shape's element count.
func newOwned(data []float32, shape []int64) *Tensor {
	return &Tensor{shape: shape, data: data}
}

// Zeros creates a zero-initialized tensor.
func Zeros(shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return newOwned(make([]float32, total), cloneShape(shape)), nil
}

// Full creates a tensor with every element set to value.
func Full(shape []int64, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.data {
		t.data[i] = value
	}

	return t, nil
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return cloneShape(t.shape)
}

// Data returns a copy of the underlying values.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}

	return append([]float32(nil), t.data...)
}

// RawData returns the backing slice without copying.
// Callers must treat it as read-only.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

// ElemCount returns the number of elements.
func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	return newOwned(append([]float32(nil), t.data...), cloneShape(t.shape))
}

// Reshape returns a new tensor with the given shape and copied values.
// The element count must be preserved.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}
	if total != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v (%d elements) to %v (%d elements)", t.shape, len(t.data), shape, total)
	}

	return newOwned(append([]float32(nil), t.data...), cloneShape(shape)), nil
}
