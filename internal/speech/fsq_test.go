package speech

import (
	"math"
	"testing"

	"github.com/example/go-streamtts/internal/safetensors"
)

func TestFSQBasics(t *testing.T) {
	f, err := NewFSQ([]int64{5, 5, 5, 5})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if f.Dim() != 4 {
		t.Fatalf("dim = %d, want 4", f.Dim())
	}
	if f.Codebook() != 625 {
		t.Fatalf("codebook = %d, want 625", f.Codebook())
	}
}

func TestFSQQuantizeSaturated(t *testing.T) {
	f, err := NewFSQ([]int64{5, 5, 5, 5})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	z := []float32{10, 10, 10, 10}
	idx, err := f.Quantize(z)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if idx != 624 {
		t.Fatalf("saturated index = %d, want 624", idx)
	}
	for i, v := range z {
		if v != 1 {
			t.Fatalf("channel %d code = %g, want 1", i, v)
		}
	}

	zero := []float32{0, 0, 0, 0}
	idx, err = f.Quantize(zero)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	// Center of the grid: digit 2 in every place of base 5.
	if idx != 2*(1+5+25+125) {
		t.Fatalf("center index = %d, want %d", idx, 2*(1+5+25+125))
	}
}

func TestFSQIndexRoundTrip(t *testing.T) {
	f, err := NewFSQ([]int64{5, 5, 5})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	codes := make([]float32, 3)
	z := make([]float32, 3)
	for idx := int64(0); idx < f.Codebook(); idx += 13 {
		if err := f.Codes(idx, codes); err != nil {
			t.Fatalf("codes(%d): %v", idx, err)
		}
		// Invert the bounding tanh so quantization lands exactly on the
		// grid point the index names.
		for i, c := range codes {
			z[i] = float32(math.Atanh(float64(c) * 2 / 2))
		}
		back, err := f.Quantize(z)
		if err != nil {
			t.Fatalf("quantize(%d): %v", idx, err)
		}
		if back != idx {
			t.Fatalf("round trip %d -> %d", idx, back)
		}
	}
}

func TestNewFSQValidation(t *testing.T) {
	_, err := NewFSQ(nil)
	assertErrContains(t, err, "at least one level")

	_, err = NewFSQ([]int64{4})
	assertErrContains(t, err, "odd")

	_, err = NewFSQ([]int64{1})
	assertErrContains(t, err, ">= 2")
}

func groupedFSQBuilder(t *testing.T, groups int, groupDim int64) *VarBuilder {
	t.Helper()

	codebookDim := int64(4)
	var tensors []safetensors.Tensor
	for g := 0; g < groups; g++ {
		prefix := "rvqs." + string(rune('0'+g))
		tensors = append(tensors,
			safetensors.Tensor{Name: prefix + ".project_in.weight", Shape: []int64{codebookDim, groupDim}, Data: identityData(codebookDim, groupDim)},
			safetensors.Tensor{Name: prefix + ".project_in.bias", Shape: []int64{codebookDim}, Data: make([]float32, codebookDim)},
			safetensors.Tensor{Name: prefix + ".project_out.weight", Shape: []int64{groupDim, codebookDim}, Data: identityData(groupDim, codebookDim)},
			safetensors.Tensor{Name: prefix + ".project_out.bias", Shape: []int64{groupDim}, Data: make([]float32, groupDim)},
		)
	}
	return buildVarBuilder(t, tensors)
}

func TestGroupedResidualFSQQuantizeFrame(t *testing.T) {
	vb := groupedFSQBuilder(t, 2, 8)
	g, err := loadGroupedResidualFSQ(vb, 16, []int64{5, 5, 5, 5}, 2, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if g.NumVQ() != 4 {
		t.Fatalf("numVQ = %d, want 4", g.NumVQ())
	}

	frame := make([]float32, 16)
	for i := range frame {
		frame[i] = float32(i)*0.1 - 0.8
	}
	indices, err := g.QuantizeFrame(frame)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if len(indices) != 4 {
		t.Fatalf("%d indices, want 4", len(indices))
	}
	for i, idx := range indices {
		if idx < 0 || idx >= 625 {
			t.Fatalf("index %d = %d out of range", i, idx)
		}
	}

	// Deterministic.
	again, err := g.QuantizeFrame(frame)
	if err != nil {
		t.Fatalf("quantize again: %v", err)
	}
	for i := range indices {
		if indices[i] != again[i] {
			t.Fatalf("quantization is not deterministic at codebook %d", i)
		}
	}

	// Groups are independent: perturbing the second half only moves the
	// second group's indices.
	perturbed := make([]float32, 16)
	copy(perturbed, frame)
	for i := 8; i < 16; i++ {
		perturbed[i] += 3
	}
	moved, err := g.QuantizeFrame(perturbed)
	if err != nil {
		t.Fatalf("quantize perturbed: %v", err)
	}
	if moved[0] != indices[0] || moved[1] != indices[1] {
		t.Fatal("first group indices changed with the second half of the frame")
	}
}

func TestGroupedResidualFSQOutputFrame(t *testing.T) {
	vb := groupedFSQBuilder(t, 2, 8)
	g, err := loadGroupedResidualFSQ(vb, 16, []int64{5, 5, 5, 5}, 2, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	out := make([]float32, 16)
	if err := g.OutputFrame([]int64{624, 312, 0, 100}, out); err != nil {
		t.Fatalf("output: %v", err)
	}
	for i, v := range out {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("output channel %d is %g", i, v)
		}
	}

	// With identity projections the first group's embedding lands in the
	// first codebookDim channels: index 624 is the all-ones grid corner at
	// scale 1 and index 312 the center at scale 1/4, so channel 0 holds 1.
	if !approxEqual(out[0], 1, 1e-5) {
		t.Fatalf("channel 0 = %g, want 1", out[0])
	}

	assertErrContains(t, g.OutputFrame([]int64{1, 2, 3}, out), "indices")
	assertErrContains(t, g.OutputFrame([]int64{1, 2, 3, 4}, out[:3]), "output dim")
}

func TestLoadResidualFSQShapeChecks(t *testing.T) {
	vb := groupedFSQBuilder(t, 1, 8)
	_, err := loadResidualFSQ(vb.Path("rvqs", "0"), 9, []int64{5, 5, 5, 5}, 2)
	assertErrContains(t, err, "project_in")
}
