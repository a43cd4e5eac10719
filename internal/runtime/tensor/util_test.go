package tensor

import (
	"strings"
	"testing"
)

func TestNormalizeDim(t *testing.T) {
	tests := []struct {
		name    string
		dim     int
		rank    int
		want    int
		wantErr string
	}{
		{name: "positive", dim: 1, rank: 3, want: 1},
		{name: "negative counts from end", dim: -1, rank: 3, want: 2},
		{name: "at rank", dim: 3, rank: 3, wantErr: "out of range"},
		{name: "too negative", dim: -4, rank: 3, wantErr: "out of range"},
		{name: "negative rank", dim: 0, rank: -1, wantErr: "invalid rank"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeDim(tt.dim, tt.rank)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeDim(%d, %d): %v", tt.dim, tt.rank, err)
			}
			if got != tt.want {
				t.Fatalf("normalizeDim(%d, %d) = %d, want %d", tt.dim, tt.rank, got, tt.want)
			}
		})
	}
}

func TestShapeElemCount(t *testing.T) {
	got, err := shapeElemCount([]int64{})
	if err != nil {
		t.Fatalf("scalar shape: %v", err)
	}
	if got != 1 {
		t.Fatalf("shapeElemCount([]) = %d, want 1", got)
	}

	got, err = shapeElemCount([]int64{3, 0, 5})
	if err != nil {
		t.Fatalf("zero dim: %v", err)
	}
	if got != 0 {
		t.Fatalf("shapeElemCount([3 0 5]) = %d, want 0", got)
	}

	if _, err := shapeElemCount([]int64{2, -3}); err == nil || !strings.Contains(err.Error(), "negative") {
		t.Fatalf("negative dim: got %v", err)
	}
}

func TestComputeStrides(t *testing.T) {
	if got := computeStrides(nil); got != nil {
		t.Fatalf("computeStrides(nil) = %v, want nil", got)
	}

	got := computeStrides([]int64{2, 3, 4})
	if !equalI64(got, []int64{12, 4, 1}) {
		t.Fatalf("strides = %v, want [12 4 1]", got)
	}
}

func TestLinearToCoord(t *testing.T) {
	shape := []int64{2, 3, 4}
	strides := computeStrides(shape)

	tests := []struct {
		linear int64
		want   []int64
	}{
		{0, []int64{0, 0, 0}},
		{1, []int64{0, 0, 1}},
		{4, []int64{0, 1, 0}},
		{13, []int64{1, 0, 1}},
		{23, []int64{1, 2, 3}},
	}

	out := make([]int64, 3)
	for _, tt := range tests {
		linearToCoord(tt.linear, shape, strides, out)
		if !equalI64(out, tt.want) {
			t.Errorf("linearToCoord(%d) = %v, want %v", tt.linear, out, tt.want)
		}
		if back := coordToLinear(out, strides); back != tt.linear {
			t.Errorf("coordToLinear(%v) = %d, want %d", out, back, tt.linear)
		}
	}
}
