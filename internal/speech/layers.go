package speech

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-streamtts/internal/runtime/tensor"
)

type Linear struct {
	Weight *tensor.Tensor // [out, in]
	Bias   *tensor.Tensor // optional [out]
}

func loadLinear(vb *VarBuilder, name string, withBias bool) (*Linear, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}
	if len(w.Shape()) != 2 {
		return nil, fmt.Errorf("speech: linear %q weight must be rank-2, got %v", name, w.Shape())
	}

	var b *tensor.Tensor
	if withBias {
		t, ok, err := vb.TensorMaybe(name + ".bias")
		if err != nil {
			return nil, err
		}
		if ok {
			if len(t.Shape()) != 1 || t.Shape()[0] != w.Shape()[0] {
				return nil, fmt.Errorf("speech: linear %q bias shape %v incompatible with weight %v", name, t.Shape(), w.Shape())
			}
			b = t
		}
	}

	return &Linear{Weight: w, Bias: b}, nil
}

// loadWeightNormLinear resolves a weight-normalized linear: the checkpoint
// stores a direction tensor weight_v [out, in] and a per-row magnitude
// weight_g [out, 1]; the effective weight is g * v / ||v|| per output row,
// folded once at load time.
func loadWeightNormLinear(vb *VarBuilder, name string) (*Linear, error) {
	g, err := vb.Tensor(name + ".weight_g")
	if err != nil {
		return nil, err
	}
	v, err := vb.Tensor(name + ".weight_v")
	if err != nil {
		return nil, err
	}
	if len(v.Shape()) != 2 {
		return nil, fmt.Errorf("speech: weight-norm linear %q direction must be rank-2, got %v", name, v.Shape())
	}
	out, in := v.Shape()[0], v.Shape()[1]
	if g.ElemCount() != int(out) {
		return nil, fmt.Errorf("speech: weight-norm linear %q magnitude has %d entries, want %d", name, g.ElemCount(), out)
	}

	vData := v.Data()
	gData := g.Data()
	wData := make([]float32, out*in)
	for r := int64(0); r < out; r++ {
		row := vData[r*in : (r+1)*in]
		var norm float64
		for _, x := range row {
			norm += float64(x) * float64(x)
		}
		scale := float32(float64(gData[r]) / math.Sqrt(norm))
		for c, x := range row {
			wData[r*in+int64(c)] = x * scale
		}
	}

	w, err := tensor.New(wData, []int64{out, in})
	if err != nil {
		return nil, fmt.Errorf("speech: weight-norm linear %q: %w", name, err)
	}
	return &Linear{Weight: w}, nil
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if l == nil || l.Weight == nil {
		return nil, errors.New("speech: linear is not initialized")
	}
	return tensor.Linear(x, l.Weight, l.Bias)
}

type RMSNorm struct {
	Weight *tensor.Tensor
	Eps    float32
}

func loadRMSNorm(vb *VarBuilder, name string, eps float32) (*RMSNorm, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}
	if len(w.Shape()) != 1 {
		return nil, fmt.Errorf("speech: rmsnorm %q weight must be rank-1, got %v", name, w.Shape())
	}
	return &RMSNorm{Weight: w, Eps: eps}, nil
}

func (n *RMSNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if n == nil || n.Weight == nil {
		return nil, errors.New("speech: rmsnorm is not initialized")
	}
	shape := x.Shape()
	dim := shape[len(shape)-1]
	if dim != n.Weight.Shape()[0] {
		return nil, fmt.Errorf("speech: rmsnorm dim %d, weight has %d", dim, n.Weight.Shape()[0])
	}

	src := x.Data()
	wData := n.Weight.Data()
	out := make([]float32, len(src))
	rows := int64(len(src)) / dim
	for r := int64(0); r < rows; r++ {
		row := src[r*dim : (r+1)*dim]
		var sumSq float64
		for _, v := range row {
			sumSq += float64(v) * float64(v)
		}
		inv := float32(1 / math.Sqrt(sumSq/float64(dim)+float64(n.Eps)))
		dst := out[r*dim : (r+1)*dim]
		for i, v := range row {
			dst[i] = v * inv * wData[i]
		}
	}
	return tensor.New(out, shape)
}

// Embedding is a token lookup table of shape [vocab, dim].
type Embedding struct {
	Weight *tensor.Tensor
}

func loadEmbedding(vb *VarBuilder, name string) (*Embedding, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}
	if len(w.Shape()) != 2 {
		return nil, fmt.Errorf("speech: embedding %q weight must be rank-2, got %v", name, w.Shape())
	}
	return &Embedding{Weight: w}, nil
}

// Forward gathers rows for ids and returns [1, len(ids), dim].
func (e *Embedding) Forward(ids []int64) (*tensor.Tensor, error) {
	if e == nil || e.Weight == nil {
		return nil, errors.New("speech: embedding is not initialized")
	}
	vocab := e.Weight.Shape()[0]
	for _, id := range ids {
		if id < 0 || id >= vocab {
			return nil, fmt.Errorf("speech: token id %d out of range [0,%d)", id, vocab)
		}
	}
	rows, err := e.Weight.Gather(0, ids)
	if err != nil {
		return nil, fmt.Errorf("speech: embedding gather: %w", err)
	}
	return rows.Reshape([]int64{1, int64(len(ids)), e.Weight.Shape()[1]})
}

// addInto accumulates src into dst element-wise. Shapes must match.
func addInto(dst, src *tensor.Tensor) error {
	if !equalShape(dst.Shape(), src.Shape()) {
		return fmt.Errorf("speech: add shape mismatch %v vs %v", dst.Shape(), src.Shape())
	}
	d := dst.RawData()
	s := src.Data()
	for i := range d {
		d[i] += s[i]
	}
	return nil
}
