package speech

import (
	"fmt"
	"math"
)

// FSQ is a finite scalar quantizer: each latent channel is bounded with a
// tanh and rounded onto a small odd-sized grid, and the joint grid cell is
// addressed by a single integer index via a mixed-radix basis.
type FSQ struct {
	levels    []int64
	basis     []int64 // mixed-radix place values, basis[0] = 1
	halfWidth []int64 // levels[i] / 2
	codes     int64   // product of levels
}

func NewFSQ(levels []int64) (*FSQ, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("speech: fsq needs at least one level")
	}
	f := &FSQ{
		levels:    append([]int64(nil), levels...),
		basis:     make([]int64, len(levels)),
		halfWidth: make([]int64, len(levels)),
		codes:     1,
	}
	for i, l := range levels {
		if l < 2 {
			return nil, fmt.Errorf("speech: fsq level %d must be >= 2, got %d", i, l)
		}
		if l%2 == 0 {
			return nil, fmt.Errorf("speech: fsq level %d must be odd, got %d", i, l)
		}
		f.basis[i] = f.codes
		f.halfWidth[i] = l / 2
		f.codes *= l
	}
	return f, nil
}

func (f *FSQ) Dim() int64      { return int64(len(f.levels)) }
func (f *FSQ) Codebook() int64 { return f.codes }

// Quantize bounds and rounds z in place to normalized grid codes in
// [-1, 1] and returns the joint index. len(z) must equal Dim().
func (f *FSQ) Quantize(z []float32) (int64, error) {
	if int64(len(z)) != f.Dim() {
		return 0, fmt.Errorf("speech: fsq input dim %d, want %d", len(z), f.Dim())
	}
	var index int64
	for i, v := range z {
		halfL := float64(f.levels[i]-1) / 2
		bounded := math.Tanh(float64(v)) * halfL
		q := math.Round(bounded)
		index += (int64(q) + f.halfWidth[i]) * f.basis[i]
		z[i] = float32(q / float64(f.halfWidth[i]))
	}
	return index, nil
}

// Codes writes the normalized grid codes for one index into out.
func (f *FSQ) Codes(index int64, out []float32) error {
	if index < 0 || index >= f.codes {
		return fmt.Errorf("speech: fsq index %d out of range [0,%d)", index, f.codes)
	}
	if int64(len(out)) != f.Dim() {
		return fmt.Errorf("speech: fsq output dim %d, want %d", len(out), f.Dim())
	}
	for i := range f.levels {
		digit := (index / f.basis[i]) % f.levels[i]
		out[i] = float32(digit-f.halfWidth[i]) / float32(f.halfWidth[i])
	}
	return nil
}

// ResidualFSQ chains FSQ quantizers over a shared low-dimensional latent:
// the input is projected down, each quantizer rounds the remaining
// residual at a finer scale, and the summed codes are projected back up.
// Scales follow (level-1)^-q per quantizer and are derived, not stored.
type ResidualFSQ struct {
	fsq        *FSQ
	projectIn  *Linear // [codebookDim, dim]
	projectOut *Linear // [dim, codebookDim]
	scales     [][]float32
	dim        int64
	quantizers int
}

func loadResidualFSQ(vb *VarBuilder, dim int64, levels []int64, numQuantizers int) (*ResidualFSQ, error) {
	if numQuantizers <= 0 {
		return nil, fmt.Errorf("speech: residual fsq needs quantizers > 0, got %d", numQuantizers)
	}
	fsq, err := NewFSQ(levels)
	if err != nil {
		return nil, err
	}
	projectIn, err := loadLinear(vb, "project_in", true)
	if err != nil {
		return nil, err
	}
	projectOut, err := loadLinear(vb, "project_out", true)
	if err != nil {
		return nil, err
	}
	if projectIn.Weight.Shape()[0] != fsq.Dim() || projectIn.Weight.Shape()[1] != dim {
		return nil, fmt.Errorf("speech: residual fsq project_in shape %v, want [%d %d]",
			projectIn.Weight.Shape(), fsq.Dim(), dim)
	}
	if projectOut.Weight.Shape()[0] != dim || projectOut.Weight.Shape()[1] != fsq.Dim() {
		return nil, fmt.Errorf("speech: residual fsq project_out shape %v, want [%d %d]",
			projectOut.Weight.Shape(), dim, fsq.Dim())
	}

	scales := make([][]float32, numQuantizers)
	for q := range scales {
		row := make([]float32, fsq.Dim())
		for i, l := range levels {
			row[i] = float32(math.Pow(float64(l-1), -float64(q)))
		}
		scales[q] = row
	}

	return &ResidualFSQ{
		fsq:        fsq,
		projectIn:  projectIn,
		projectOut: projectOut,
		scales:     scales,
		dim:        dim,
		quantizers: numQuantizers,
	}, nil
}

// quantizeVec quantizes one dim-wide vector into one index per quantizer.
func (r *ResidualFSQ) quantizeVec(x []float32) ([]int64, error) {
	z, err := r.applyLinear(r.projectIn, x)
	if err != nil {
		return nil, err
	}

	indices := make([]int64, r.quantizers)
	residual := z
	scratch := make([]float32, r.fsq.Dim())
	for q := 0; q < r.quantizers; q++ {
		scale := r.scales[q]
		for i, v := range residual {
			scratch[i] = v / scale[i]
		}
		idx, err := r.fsq.Quantize(scratch)
		if err != nil {
			return nil, err
		}
		indices[q] = idx
		for i := range residual {
			residual[i] -= scratch[i] * scale[i]
		}
	}
	return indices, nil
}

// outputVec reconstructs one dim-wide vector from one index per quantizer.
func (r *ResidualFSQ) outputVec(indices []int64, out []float32) error {
	if len(indices) != r.quantizers {
		return fmt.Errorf("speech: residual fsq got %d indices, want %d", len(indices), r.quantizers)
	}
	sum := make([]float32, r.fsq.Dim())
	codes := make([]float32, r.fsq.Dim())
	for q, idx := range indices {
		if err := r.fsq.Codes(idx, codes); err != nil {
			return err
		}
		scale := r.scales[q]
		for i, c := range codes {
			sum[i] += c * scale[i]
		}
	}
	projected, err := r.applyLinear(r.projectOut, sum)
	if err != nil {
		return err
	}
	copy(out, projected)
	return nil
}

func (r *ResidualFSQ) applyLinear(l *Linear, x []float32) ([]float32, error) {
	w := l.Weight
	out := w.Shape()[0]
	in := w.Shape()[1]
	if int64(len(x)) != in {
		return nil, fmt.Errorf("speech: residual fsq linear input dim %d, want %d", len(x), in)
	}
	wData := w.Data()
	res := make([]float32, out)
	for o := int64(0); o < out; o++ {
		var acc float32
		row := wData[o*in : (o+1)*in]
		for i, v := range x {
			acc += row[i] * v
		}
		res[o] = acc
	}
	if l.Bias != nil {
		bData := l.Bias.Data()
		for o := range res {
			res[o] += bData[o]
		}
	}
	return res, nil
}

// GroupedResidualFSQ splits the feature dimension into equal groups, each
// quantized by its own ResidualFSQ. Codebook order in the flattened index
// layout is group-major: (g0 q0, g0 q1, g1 q0, g1 q1, ...).
type GroupedResidualFSQ struct {
	groups     []*ResidualFSQ
	dim        int64
	groupDim   int64
	quantizers int
}

func loadGroupedResidualFSQ(vb *VarBuilder, dim int64, levels []int64, numQuantizers, numGroups int) (*GroupedResidualFSQ, error) {
	if numGroups <= 0 || dim%int64(numGroups) != 0 {
		return nil, fmt.Errorf("speech: grouped fsq dim %d not divisible into %d groups", dim, numGroups)
	}
	groupDim := dim / int64(numGroups)
	groups := make([]*ResidualFSQ, numGroups)
	for g := range groups {
		rvq, err := loadResidualFSQ(vb.Path("rvqs", fmt.Sprintf("%d", g)), groupDim, levels, numQuantizers)
		if err != nil {
			return nil, fmt.Errorf("speech: grouped fsq group %d: %w", g, err)
		}
		groups[g] = rvq
	}
	return &GroupedResidualFSQ{
		groups:     groups,
		dim:        dim,
		groupDim:   groupDim,
		quantizers: numQuantizers,
	}, nil
}

// NumVQ is the number of flattened codebooks: groups times quantizers.
func (g *GroupedResidualFSQ) NumVQ() int { return len(g.groups) * g.quantizers }

// QuantizeFrame maps one dim-wide feature vector to NumVQ indices.
func (g *GroupedResidualFSQ) QuantizeFrame(x []float32) ([]int64, error) {
	if int64(len(x)) != g.dim {
		return nil, fmt.Errorf("speech: grouped fsq frame dim %d, want %d", len(x), g.dim)
	}
	out := make([]int64, 0, g.NumVQ())
	for gi, rvq := range g.groups {
		part := make([]float32, g.groupDim)
		copy(part, x[int64(gi)*g.groupDim:int64(gi+1)*g.groupDim])
		idx, err := rvq.quantizeVec(part)
		if err != nil {
			return nil, err
		}
		out = append(out, idx...)
	}
	return out, nil
}

// OutputFrame reconstructs one dim-wide feature vector from NumVQ indices.
func (g *GroupedResidualFSQ) OutputFrame(indices []int64, out []float32) error {
	if len(indices) != g.NumVQ() {
		return fmt.Errorf("speech: grouped fsq got %d indices, want %d", len(indices), g.NumVQ())
	}
	if int64(len(out)) != g.dim {
		return fmt.Errorf("speech: grouped fsq output dim %d, want %d", len(out), g.dim)
	}
	for gi, rvq := range g.groups {
		if err := rvq.outputVec(indices[gi*g.quantizers:(gi+1)*g.quantizers], out[int64(gi)*g.groupDim:int64(gi+1)*g.groupDim]); err != nil {
			return fmt.Errorf("speech: grouped fsq group %d: %w", gi, err)
		}
	}
	return nil
}
