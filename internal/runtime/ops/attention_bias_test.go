package ops

import (
	"math"
	"strings"
	"testing"
)

func TestAttentionWithBiasHidesKeys(t *testing.T) {
	q := mustTensorT(t, []float32{1}, []int64{1, 1, 1, 1})
	k := mustTensorT(t, []float32{0, 10}, []int64{1, 1, 2, 1})
	v := mustTensorT(t, []float32{1, 5}, []int64{1, 1, 2, 1})

	// Hide the second key: output must equal v[0].
	bias := mustTensorT(t, []float32{0, float32(math.Inf(-1))}, []int64{1, 1, 1, 2})

	out, err := AttentionWithBias(q, k, v, bias)
	if err != nil {
		t.Fatalf("attention with bias: %v", err)
	}

	got := out.Data()
	if math.Abs(float64(got[0]-1)) > 1e-5 {
		t.Fatalf("masked key leaked into output: got %f, want 1.0", got[0])
	}
}

func TestAttentionWithBiasSingleRowBroadcast(t *testing.T) {
	q := mustTensorT(t, []float32{1, 1}, []int64{1, 1, 2, 1})
	k := mustTensorT(t, []float32{0, 10}, []int64{1, 1, 2, 1})
	v := mustTensorT(t, []float32{1, 5}, []int64{1, 1, 2, 1})

	bias := mustTensorT(t, []float32{0, float32(math.Inf(-1))}, []int64{1, 1, 1, 2})

	out, err := AttentionWithBias(q, k, v, bias)
	if err != nil {
		t.Fatalf("attention with bias: %v", err)
	}

	got := out.Data()
	for i, g := range got {
		if math.Abs(float64(g-1)) > 1e-5 {
			t.Fatalf("query %d saw hidden key: got %f, want 1.0", i, g)
		}
	}
}

func TestAttentionWithBiasNilBiasIsUnmasked(t *testing.T) {
	q := mustTensorT(t, []float32{1}, []int64{1, 1, 1, 1})
	k := mustTensorT(t, []float32{0, 0}, []int64{1, 1, 2, 1})
	v := mustTensorT(t, []float32{2, 4}, []int64{1, 1, 2, 1})

	out, err := AttentionWithBias(q, k, v, nil)
	if err != nil {
		t.Fatalf("attention without bias: %v", err)
	}

	got := out.Data()
	if math.Abs(float64(got[0]-3)) > 1e-5 {
		t.Fatalf("uniform attention output = %f, want 3.0", got[0])
	}
}

func TestAttentionWithBiasShapeErrors(t *testing.T) {
	q := mustTensorT(t, []float32{1}, []int64{1, 1, 1, 1})
	k := mustTensorT(t, []float32{0, 10}, []int64{1, 1, 2, 1})
	v := mustTensorT(t, []float32{1, 5}, []int64{1, 1, 2, 1})

	badKeyLen := mustTensorT(t, []float32{0, 0, 0}, []int64{1, 1, 1, 3})
	if _, err := AttentionWithBias(q, k, v, badKeyLen); err == nil || !strings.Contains(err.Error(), "key length") {
		t.Fatalf("err = %v, want key length mismatch", err)
	}

	badRank := mustTensorT(t, []float32{0, 0}, []int64{1, 2})
	if _, err := AttentionWithBias(q, k, v, badRank); err == nil || !strings.Contains(err.Error(), "must be [1,1,tq,tk]") {
		t.Fatalf("err = %v, want bias shape error", err)
	}
}
