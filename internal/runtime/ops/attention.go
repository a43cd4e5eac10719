package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-streamtts/internal/runtime/tensor"
)

// CausalMask sets positions where key index > query index + offset to -Inf.
// Expected input shape: [..., query, key].
func CausalMask(scores *tensor.Tensor, offset int64) (*tensor.Tensor, error) {
	if scores == nil {
		return nil, errors.New("ops: causal mask scores is nil")
	}

	shape := scores.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("ops: causal mask requires rank >= 2, got %d", len(shape))
	}

	q := int(shape[len(shape)-2])
	k := int(shape[len(shape)-1])
	if q <= 0 || k <= 0 {
		return nil, fmt.Errorf("ops: causal mask requires positive query/key dims, got %d and %d", q, k)
	}

	out := scores.Clone()
	data := out.RawData()
	negInf := float32(math.Inf(-1))

	for base := 0; base < len(data); base += q * k {
		for qi := 0; qi < q; qi++ {
			row := data[base+qi*k : base+(qi+1)*k]

			// Keys past qi+offset are in the future for this query row.
			first := int64(qi) + offset + 1
			if first < 0 {
				first = 0
			}
			for ki := int(first); ki < k; ki++ {
				row[ki] = negInf
			}
		}
	}

	return out, nil
}

// Attention computes scaled dot-product attention.
// q shape: [..., tq, d], k shape: [..., tk, d], v shape: [..., tk, dv]
// output: [..., tq, dv]
//
// Rank-4 inputs with matching leading dims take a fused per-row path that
// never materializes the transposed key tensor or the full score matrix.
// Other shapes fall back to the generic kernel composition.
func Attention(q, k, v *tensor.Tensor, causal bool, offset int64) (*tensor.Tensor, error) {
	if q == nil || k == nil || v == nil {
		return nil, errors.New("ops: attention requires non-nil q/k/v")
	}

	qShape := q.Shape()
	kShape := k.Shape()
	vShape := v.Shape()
	if len(qShape) < 2 || len(kShape) < 2 || len(vShape) < 2 {
		return nil, errors.New("ops: attention requires rank >= 2 inputs")
	}

	d := qShape[len(qShape)-1]
	if d != kShape[len(kShape)-1] {
		return nil, fmt.Errorf("ops: attention q/k depth mismatch %d vs %d", d, kShape[len(kShape)-1])
	}
	if kShape[len(kShape)-2] != vShape[len(vShape)-2] {
		return nil, fmt.Errorf("ops: attention key/value sequence mismatch %d vs %d", kShape[len(kShape)-2], vShape[len(vShape)-2])
	}

	if len(qShape) == 4 && len(kShape) == 4 && len(vShape) == 4 &&
		qShape[0] == kShape[0] && qShape[0] == vShape[0] &&
		qShape[1] == kShape[1] && qShape[1] == vShape[1] {
		return attentionFused4D(q, k, v, causal, offset)
	}

	return attentionGeneric(q, k, v, causal, offset)
}

// attentionGeneric composes the attention primitives: q*k^T, scale, optional
// causal mask, softmax, probs*v. It supports any batch layout MatMul can
// broadcast.
func attentionGeneric(q, k, v *tensor.Tensor, causal bool, offset int64) (*tensor.Tensor, error) {
	kT, err := k.Transpose(-1, -2)
	if err != nil {
		return nil, fmt.Errorf("ops: attention transpose k: %w", err)
	}

	scores, err := tensor.MatMul(q, kT)
	if err != nil {
		return nil, fmt.Errorf("ops: attention q*k^T: %w", err)
	}

	qShape := q.Shape()
	scale := float32(1.0 / math.Sqrt(float64(qShape[len(qShape)-1])))
	scoreData := scores.RawData()
	for i := range scoreData {
		scoreData[i] *= scale
	}

	if causal {
		scores, err = CausalMask(scores, offset)
		if err != nil {
			return nil, fmt.Errorf("ops: attention causal mask: %w", err)
		}
	}

	probs, err := tensor.Softmax(scores, -1)
	if err != nil {
		return nil, fmt.Errorf("ops: attention softmax: %w", err)
	}

	out, err := tensor.MatMul(probs, v)
	if err != nil {
		return nil, fmt.Errorf("ops: attention probs*v: %w", err)
	}

	return out, nil
}

// attentionFused4D handles [batch, heads, seq, depth] inputs one query row at
// a time: score, softmax, and the value accumulation all run over a scratch
// buffer of tk scores, so memory stays O(tk) per goroutine instead of
// O(tq*tk) per head. Causal masking shortens the key range instead of
// writing -Inf.
func attentionFused4D(q, k, v *tensor.Tensor, causal bool, offset int64) (*tensor.Tensor, error) {
	qShape := q.Shape()
	kShape := k.Shape()
	vShape := v.Shape()

	blocks := int(qShape[0] * qShape[1])
	tq := int(qShape[2])
	d := int(qShape[3])
	tk := int(kShape[2])
	dv := int(vShape[3])

	out, err := tensor.Zeros([]int64{qShape[0], qShape[1], int64(tq), int64(dv)})
	if err != nil {
		return nil, err
	}

	qData := q.RawData()
	kData := k.RawData()
	vData := v.RawData()
	outData := out.RawData()
	scale := float32(1.0 / math.Sqrt(float64(d)))

	parallelFor(blocks, tensor.Workers(), func(lo, hi int) {
		scores := getScratch(tk)
		defer putScratch(scores)

		for b := lo; b < hi; b++ {
			qBlock := qData[b*tq*d : (b+1)*tq*d]
			kBlock := kData[b*tk*d : (b+1)*tk*d]
			vBlock := vData[b*tk*dv : (b+1)*tk*dv]
			outBlock := outData[b*tq*dv : (b+1)*tq*dv]

			for qi := 0; qi < tq; qi++ {
				kc := tk
				if causal {
					visible := int64(qi) + offset + 1
					if visible < int64(kc) {
						kc = int(visible)
					}
					if kc <= 0 {
						// Every key is masked; the row stays zero.
						continue
					}
				}

				qRow := qBlock[qi*d : (qi+1)*d]
				for ki := 0; ki < kc; ki++ {
					scores[ki] = scale * tensor.DotProduct(qRow, kBlock[ki*d:(ki+1)*d])
				}

				softmaxInPlace(scores[:kc])

				outRow := outBlock[qi*dv : (qi+1)*dv]
				for ki := 0; ki < kc; ki++ {
					tensor.Axpy(outRow, scores[ki], vBlock[ki*dv:(ki+1)*dv])
				}
			}
		}
	})

	return out, nil
}

func softmaxInPlace(row []float32) {
	maxV := row[0]
	for _, v := range row[1:] {
		if v > maxV {
			maxV = v
		}
	}

	var sum float64
	for i, v := range row {
		e := float32(math.Exp(float64(v - maxV)))
		row[i] = e
		sum += float64(e)
	}
	if sum == 0 {
		return
	}

	inv := float32(1.0 / sum)
	for i := range row {
		row[i] *= inv
	}
}
