package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-streamtts/internal/runtime/tensor"
)

// RoPE applies rotary position embedding to the last dimension in interleaved
// pair format: (..., seq, dim) where dim must be even.
// cos/sin are expected as [max_seq, dim/2].
func RoPE(x, cos, sin *tensor.Tensor, pos int64) (*tensor.Tensor, error) {
	if x == nil || cos == nil || sin == nil {
		return nil, errors.New("ops: rope requires non-nil x/cos/sin")
	}
	if pos < 0 {
		return nil, errors.New("ops: rope position must be >= 0")
	}

	xShape := x.Shape()
	if len(xShape) < 2 {
		return nil, fmt.Errorf("ops: rope requires rank >= 2 input, got %d", len(xShape))
	}

	seq := xShape[len(xShape)-2]
	dim := xShape[len(xShape)-1]
	if dim%2 != 0 {
		return nil, fmt.Errorf("ops: rope last dimension must be even, got %d", dim)
	}
	half := dim / 2

	cosShape := cos.Shape()
	sinShape := sin.Shape()
	if len(cosShape) != 2 || len(sinShape) != 2 {
		return nil, fmt.Errorf("ops: rope cos/sin must be rank 2, got %v and %v", cosShape, sinShape)
	}
	if cosShape[0] < pos+seq || sinShape[0] < pos+seq {
		return nil, fmt.Errorf("ops: rope cos/sin sequence length too small for pos=%d seq=%d", pos, seq)
	}
	if cosShape[1] != half || sinShape[1] != half {
		return nil, fmt.Errorf("ops: rope cos/sin width mismatch, want %d got %d and %d", half, cosShape[1], sinShape[1])
	}

	out := x.Clone()
	rotateInterleaved(out.RawData(), cos.RawData(), sin.RawData(), int(seq), int(dim), pos)

	return out, nil
}

// rotateInterleaved rotates (even, odd) element pairs in place. Leading
// dimensions of data beyond seq*dim are treated as independent blocks sharing
// the same position range.
func rotateInterleaved(data, cosData, sinData []float32, seq, dim int, pos int64) {
	half := dim / 2
	block := seq * dim

	for base := 0; base < len(data); base += block {
		for t := 0; t < seq; t++ {
			trig := (int(pos) + t) * half
			row := base + t*dim

			for j := 0; j < half; j++ {
				c := cosData[trig+j]
				s := sinData[trig+j]
				a := data[row+2*j]
				b := data[row+2*j+1]
				data[row+2*j] = a*c - b*s
				data[row+2*j+1] = a*s + b*c
			}
		}
	}
}
