package speech

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/example/go-streamtts/internal/safetensors"
)

func assertErrContains(t *testing.T, err error, substr string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("error %q does not contain %q", err.Error(), substr)
	}
}

func buildVarBuilder(t *testing.T, tensors []safetensors.Tensor) *VarBuilder {
	t.Helper()

	data, err := safetensors.EncodeTensors(tensors)
	if err != nil {
		t.Fatalf("encode tensors: %v", err)
	}
	store, err := safetensors.OpenStoreFromBytes(data, safetensors.StoreOptions{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewVarBuilder(store)
}

func randData(rng *rand.Rand, n int64, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * scale
	}
	return out
}

func onesData(n int64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func identityData(rows, cols int64) []float32 {
	out := make([]float32, rows*cols)
	for r := int64(0); r < rows && r < cols; r++ {
		out[r*cols+r] = 1
	}
	return out
}

func approxEqual(a, b, tol float32) bool {
	return float32(math.Abs(float64(a-b))) <= tol
}
