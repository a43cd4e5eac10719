package onnx

import "fmt"

// Tensor is a float32 tensor crossing the ORT boundary.
type Tensor struct {
	Data  []float32
	Shape []int64
}

func NewTensor(data []float32, shape []int64) (*Tensor, error) {
	var count int64 = 1
	for i, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("onnx: negative dimension %d at axis %d", d, i)
		}
		count *= d
	}
	if count != int64(len(data)) {
		return nil, fmt.Errorf("onnx: shape %v expects %d elements, got %d", shape, count, len(data))
	}
	return &Tensor{
		Data:  data,
		Shape: append([]int64(nil), shape...),
	}, nil
}
