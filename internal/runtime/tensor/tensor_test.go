package tensor

import "testing"

func TestNew(t *testing.T) {
	x, err := New([]float32{1, 2, 3, 4, 5, 6}, []int64{2, 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := x.Shape(); !equalI64(got, []int64{2, 3}) {
		t.Fatalf("shape = %v, want [2 3]", got)
	}
	if got := x.Rank(); got != 2 {
		t.Fatalf("rank = %d, want 2", got)
	}
}

func TestNewRejectsLengthMismatch(t *testing.T) {
	if _, err := New([]float32{1, 2, 3}, []int64{2, 2}); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestNewCopiesInputs(t *testing.T) {
	data := []float32{1, 2, 3}
	shape := []int64{3}

	x, err := New(data, shape)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	data[0] = 99
	shape[0] = 99
	if got := x.Data()[0]; got != 1 {
		t.Fatalf("tensor aliases caller data: %v", got)
	}
	if got := x.Shape()[0]; got != 3 {
		t.Fatalf("tensor aliases caller shape: %v", got)
	}
}

func TestZeros(t *testing.T) {
	x, err := Zeros([]int64{2, 2})
	if err != nil {
		t.Fatalf("zeros: %v", err)
	}
	for i, v := range x.Data() {
		if v != 0 {
			t.Fatalf("element %d = %v, want 0", i, v)
		}
	}
}

func TestFull(t *testing.T) {
	x, err := Full([]int64{2, 3}, 1.25)
	if err != nil {
		t.Fatalf("full: %v", err)
	}
	if got := x.Shape(); !equalI64(got, []int64{2, 3}) {
		t.Fatalf("shape = %v, want [2 3]", got)
	}
	for i, v := range x.Data() {
		if v != 1.25 {
			t.Fatalf("element %d = %v, want 1.25", i, v)
		}
	}
}

func TestReshapePreservesValues(t *testing.T) {
	x, _ := New([]float32{1, 2, 3, 4, 5, 6}, []int64{2, 3})

	y, err := x.Reshape([]int64{3, 2})
	if err != nil {
		t.Fatalf("reshape: %v", err)
	}
	if got := y.Shape(); !equalI64(got, []int64{3, 2}) {
		t.Fatalf("shape = %v, want [3 2]", got)
	}
	if got := y.Data(); !equalF32(got, []float32{1, 2, 3, 4, 5, 6}, 0) {
		t.Fatalf("data = %v", got)
	}

	if _, err := x.Reshape([]int64{4, 2}); err == nil {
		t.Fatal("expected element count mismatch error")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	x, _ := New([]float32{1, 2, 3}, []int64{3})

	y := x.Clone()
	y.RawData()[0] = 99
	if got := x.Data()[0]; got != 1 {
		t.Fatalf("clone shares backing data: %v", got)
	}
}

func TestRawDataAndElemCount(t *testing.T) {
	var nilTensor *Tensor
	if nilTensor.RawData() != nil {
		t.Fatal("nil tensor RawData should be nil")
	}
	if nilTensor.ElemCount() != 0 {
		t.Fatalf("nil tensor ElemCount = %d, want 0", nilTensor.ElemCount())
	}
	if nilTensor.Rank() != 0 {
		t.Fatalf("nil tensor Rank = %d, want 0", nilTensor.Rank())
	}

	x, err := New([]float32{1, 2, 3}, []int64{3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := x.ElemCount(); got != 3 {
		t.Fatalf("ElemCount = %d, want 3", got)
	}

	// RawData exposes the backing slice.
	x.RawData()[1] = 9
	if got := x.Data()[1]; got != 9 {
		t.Fatalf("RawData mutation did not reach backing data, got %v", got)
	}
}
