package ops

import (
	"math"
	"testing"

	"github.com/example/go-streamtts/internal/runtime/tensor"
)

func TestCausalMask(t *testing.T) {
	s := mustTensorT(t, []float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, []int64{1, 3, 3})

	out, err := CausalMask(s, 0)
	if err != nil {
		t.Fatalf("causal mask: %v", err)
	}

	got := out.Data()
	for _, idx := range []int{1, 2, 5} {
		if !math.IsInf(float64(got[idx]), -1) {
			t.Fatalf("future position %d not masked: %v", idx, got)
		}
	}
	for _, idx := range []int{0, 3, 4, 6, 7, 8} {
		if got[idx] != s.RawData()[idx] {
			t.Fatalf("causal mask changed visible position %d: %v", idx, got)
		}
	}
}

func TestCausalMaskErrors(t *testing.T) {
	_, err := CausalMask(nil, 0)
	assertErrContains(t, err, "is nil")

	_, err = CausalMask(mustTensorT(t, []float32{1, 2, 3}, []int64{3}), 0)
	assertErrContains(t, err, "rank >= 2")

	_, err = CausalMask(mustTensorT(t, []float32{}, []int64{1, 0, 2}), 0)
	assertErrContains(t, err, "positive query/key")
}

func TestAttentionCausal(t *testing.T) {
	q := mustTensorT(t, []float32{1, 1}, []int64{1, 1, 2, 1})
	k := mustTensorT(t, []float32{0, 10}, []int64{1, 1, 2, 1})
	v := mustTensorT(t, []float32{1, 5}, []int64{1, 1, 2, 1})

	out, err := Attention(q, k, v, true, 0)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}

	got := out.Data()

	// Query 0 may only see value 1.0; query 1 attends mostly to the
	// high-scoring second key.
	if math.Abs(float64(got[0]-1)) > 1e-4 {
		t.Fatalf("query0 output = %f, want near 1.0 (future token masked)", got[0])
	}
	if got[1] < 4.0 {
		t.Fatalf("query1 output = %f, want > 4.0", got[1])
	}
}

func TestAttentionErrors(t *testing.T) {
	_, err := Attention(nil, nil, nil, false, 0)
	assertErrContains(t, err, "non-nil")

	rank1 := mustTensorT(t, []float32{1, 2}, []int64{2})
	_, err = Attention(rank1, rank1, rank1, false, 0)
	assertErrContains(t, err, "rank >= 2")

	q := mustTensorT(t, make([]float32, 6), []int64{1, 2, 3})
	v := mustTensorT(t, make([]float32, 4), []int64{1, 2, 2})

	kBadD := mustTensorT(t, make([]float32, 8), []int64{1, 2, 4})
	_, err = Attention(q, kBadD, v, false, 0)
	assertErrContains(t, err, "depth mismatch")

	k := mustTensorT(t, make([]float32, 6), []int64{1, 2, 3})
	vBadSeq := mustTensorT(t, make([]float32, 3), []int64{1, 1, 3})
	_, err = Attention(q, k, vBadSeq, false, 0)
	assertErrContains(t, err, "sequence mismatch")
}

func TestAttentionFused4DMatchesGeneric(t *testing.T) {
	cases := []struct {
		name       string
		tq, tk, dv int
		causal     bool
		offset     int64
	}{
		{name: "causal with offset", tq: 5, tk: 7, dv: 6, causal: true, offset: 1},
		{name: "non-causal", tq: 4, tk: 6, dv: 5, causal: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			const b, h, d = 2, 3, 4
			q := mustTensorT(t, seqDataT(b*h*tc.tq*d), []int64{b, h, int64(tc.tq), d})
			k := mustTensorT(t, seqDataT(b*h*tc.tk*d), []int64{b, h, int64(tc.tk), d})
			v := mustTensorT(t, seqDataT(b*h*tc.tk*tc.dv), []int64{b, h, int64(tc.tk), int64(tc.dv)})

			got, err := Attention(q, k, v, tc.causal, tc.offset)
			if err != nil {
				t.Fatalf("Attention: %v", err)
			}

			want, err := attentionGeneric(q, k, v, tc.causal, tc.offset)
			if err != nil {
				t.Fatalf("attentionGeneric: %v", err)
			}

			if !equalApprox(got.Data(), want.Data(), 1e-4) {
				t.Fatalf("fused path output mismatch with generic implementation")
			}
		})
	}
}

func TestAttentionFused4DParallelMatchesSerial(t *testing.T) {
	prev := tensor.Workers()
	defer tensor.SetWorkers(prev)

	const b, h, tq, tk, d = 1, 4, 8, 8, 16
	q := mustTensorT(t, seqDataT(b*h*tq*d), []int64{b, h, tq, d})
	k := mustTensorT(t, seqDataT(b*h*tk*d), []int64{b, h, tk, d})
	v := mustTensorT(t, seqDataT(b*h*tk*d), []int64{b, h, tk, d})

	tensor.SetWorkers(1)
	want, err := Attention(q, k, v, true, 0)
	if err != nil {
		t.Fatalf("serial attention: %v", err)
	}

	tensor.SetWorkers(8)
	got, err := Attention(q, k, v, true, 0)
	if err != nil {
		t.Fatalf("parallel attention: %v", err)
	}

	if !equalApprox(got.Data(), want.Data(), 0) {
		t.Fatalf("parallel attention differs from serial")
	}
}

func benchAttentionInputs(b *testing.B) (q, k, v *tensor.Tensor) {
	b.Helper()

	q = mustTensorB(b, seqDataT(1*16*32*64), []int64{1, 16, 32, 64})
	k = mustTensorB(b, seqDataT(1*16*32*64), []int64{1, 16, 32, 64})
	v = mustTensorB(b, seqDataT(1*16*32*64), []int64{1, 16, 32, 64})

	return q, k, v
}

func BenchmarkAttention4DFused(b *testing.B) {
	q, k, v := benchAttentionInputs(b)
	b.ReportAllocs()
	b.ResetTimer()

	for range b.N {
		if _, err := Attention(q, k, v, true, 0); err != nil {
			b.Fatalf("Attention: %v", err)
		}
	}
}

func BenchmarkAttention4DGeneric(b *testing.B) {
	q, k, v := benchAttentionInputs(b)
	b.ReportAllocs()
	b.ResetTimer()

	for range b.N {
		if _, err := attentionGeneric(q, k, v, true, 0); err != nil {
			b.Fatalf("attentionGeneric: %v", err)
		}
	}
}

func BenchmarkAttention4DFusedParallel(b *testing.B) {
	prev := tensor.Workers()
	tensor.SetWorkers(8)
	defer tensor.SetWorkers(prev)

	q, k, v := benchAttentionInputs(b)
	b.ReportAllocs()
	b.ResetTimer()

	for range b.N {
		if _, err := Attention(q, k, v, true, 0); err != nil {
			b.Fatalf("Attention: %v", err)
		}
	}
}

func mustTensorB(b *testing.B, data []float32, shape []int64) *tensor.Tensor {
	b.Helper()

	t, err := tensor.New(data, shape)
	if err != nil {
		b.Fatalf("tensor.New: %v", err)
	}

	return t
}
