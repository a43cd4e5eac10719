package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-streamtts/internal/runtime/tensor"
)

// AttentionWithBias computes scaled dot-product attention with an explicit
// additive bias mask instead of the implicit causal rule.
//
// q shape: [B, H, tq, d], k shape: [B, H, tk, d], v shape: [B, H, tk, dv].
// bias shape: [1, 1, tq, tk] or [1, 1, 1, tk]; a single-row bias is applied
// to every query row. Bias entries are added to the raw scores before
// softmax, so 0 means visible and a large negative value hides the key.
func AttentionWithBias(q, k, v, bias *tensor.Tensor) (*tensor.Tensor, error) {
	if q == nil || k == nil || v == nil {
		return nil, errors.New("ops: attention requires non-nil q/k/v")
	}

	qShape := q.Shape()
	kShape := k.Shape()

	if len(qShape) != 4 || len(kShape) != 4 {
		return nil, fmt.Errorf("ops: biased attention requires rank-4 q/k, got %v and %v", qShape, kShape)
	}

	d := qShape[3]
	if d != kShape[3] {
		return nil, fmt.Errorf("ops: attention q/k depth mismatch %d vs %d", d, kShape[3])
	}

	kT, err := k.Transpose(-1, -2)
	if err != nil {
		return nil, fmt.Errorf("ops: attention transpose k: %w", err)
	}

	scores, err := tensor.MatMul(q, kT)
	if err != nil {
		return nil, fmt.Errorf("ops: attention q*k^T: %w", err)
	}

	scale := float32(1.0 / math.Sqrt(float64(d)))
	scaled := scores.Clone()

	for i := range scaled.RawData() {
		scaled.RawData()[i] *= scale
	}

	if bias != nil {
		scaled, err = addBias(scaled, bias)
		if err != nil {
			return nil, err
		}
	}

	probs, err := tensor.Softmax(scaled, -1)
	if err != nil {
		return nil, fmt.Errorf("ops: attention softmax: %w", err)
	}

	out, err := tensor.MatMul(probs, v)
	if err != nil {
		return nil, fmt.Errorf("ops: attention probs*v: %w", err)
	}

	return out, nil
}

// addBias adds bias [1,1,tq|1,tk] onto scores [B,H,tq,tk] in place on a clone.
func addBias(scores, bias *tensor.Tensor) (*tensor.Tensor, error) {
	sShape := scores.Shape()
	bShape := bias.Shape()

	if len(bShape) != 4 || bShape[0] != 1 || bShape[1] != 1 {
		return nil, fmt.Errorf("ops: attention bias must be [1,1,tq,tk], got %v", bShape)
	}

	tq := sShape[2]
	tk := sShape[3]

	if bShape[3] != tk {
		return nil, fmt.Errorf("ops: attention bias key length %d does not match scores %d", bShape[3], tk)
	}

	if bShape[2] != tq && bShape[2] != 1 {
		return nil, fmt.Errorf("ops: attention bias query length %d does not match scores %d", bShape[2], tq)
	}

	out := scores.Clone()
	data := out.RawData()
	bData := bias.RawData()
	blocks := int64(len(data)) / (tq * tk)

	for blk := range blocks {
		base := blk * tq * tk
		for qi := range tq {
			bRow := qi * tk
			if bShape[2] == 1 {
				bRow = 0
			}

			row := base + qi*tk
			for ki := range tk {
				data[row+ki] += bData[bRow+ki]
			}
		}
	}

	return out, nil
}
