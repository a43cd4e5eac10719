package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestApplyHooks(t *testing.T) {
	t.Run("no hooks returns input unchanged", func(t *testing.T) {
		samples := []float32{0.1, 0.2, 0.3}

		got := ApplyHooks(samples)
		if len(got) != len(samples) {
			t.Fatalf("ApplyHooks() len = %d; want %d", len(got), len(samples))
		}
		for i, v := range samples {
			if got[i] != v {
				t.Errorf("ApplyHooks()[%d] = %v; want %v", i, got[i], v)
			}
		}
	})

	t.Run("single hook transforms samples", func(t *testing.T) {
		scale := func(s []float32) []float32 {
			out := make([]float32, len(s))
			for i, v := range s {
				out[i] = v * 2
			}

			return out
		}

		got := ApplyHooks([]float32{0.1, 0.5, 1.0}, scale)

		want := []float32{0.2, 1.0, 2.0}
		for i := range want {
			if math.Abs(float64(got[i]-want[i])) > 1e-6 {
				t.Errorf("ApplyHooks()[%d] = %v; want %v", i, got[i], want[i])
			}
		}
	})

	t.Run("hooks run in order", func(t *testing.T) {
		var order []int
		mark := func(n int) Hook {
			return func(s []float32) []float32 { order = append(order, n); return s }
		}

		ApplyHooks([]float32{0}, mark(1), mark(2), mark(3))

		if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
			t.Errorf("hooks applied in wrong order: %v", order)
		}
	})

	t.Run("empty samples", func(t *testing.T) {
		if got := ApplyHooks([]float32{}); len(got) != 0 {
			t.Errorf("ApplyHooks(empty) = %v; want empty", got)
		}
	})
}

func TestEncodeWAVPCM16RejectsBadSampleRate(t *testing.T) {
	for _, rate := range []int{0, -1} {
		if _, err := EncodeWAVPCM16([]float32{0.1}, rate); err == nil {
			t.Errorf("EncodeWAVPCM16(rate=%d) = nil; want error", rate)
		}
	}
}

func TestEncodeWAVPCM16Header(t *testing.T) {
	sampleRate := 16000
	samples := []float32{0.0, 0.5, -0.5, 1.0, -1.0}

	data, err := EncodeWAVPCM16(samples, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16 error = %v", err)
	}

	if want := 44 + len(samples)*2; len(data) != want {
		t.Fatalf("output length = %d; want %d", len(data), want)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Error("output does not start with RIFF")
	}
	if !bytes.Contains(data[:12], []byte("WAVE")) {
		t.Error("output does not contain WAVE marker")
	}

	// Sample rate lives at offset 24 in the fmt chunk.
	if got := binary.LittleEndian.Uint32(data[24:28]); int(got) != sampleRate {
		t.Errorf("sample rate in header = %d; want %d", got, sampleRate)
	}
	if got := binary.LittleEndian.Uint16(data[22:24]); got != 1 {
		t.Errorf("channel count in header = %d; want 1", got)
	}
	if got := binary.LittleEndian.Uint16(data[34:36]); got != 16 {
		t.Errorf("bit depth in header = %d; want 16", got)
	}
}

func TestEncodeWAVPCM16Clamping(t *testing.T) {
	data, err := EncodeWAVPCM16([]float32{2.0, -2.0}, 44100)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16 error = %v", err)
	}

	// PCM data starts after the 44-byte header.
	v1 := int16(binary.LittleEndian.Uint16(data[44:46]))
	v2 := int16(binary.LittleEndian.Uint16(data[46:48]))

	if v1 != 32767 {
		t.Errorf("clamped +2.0 = %d; want 32767", v1)
	}
	if v2 != -32767 {
		t.Errorf("clamped -2.0 = %d; want -32767", v2)
	}
}

func TestEncodeWAVPCM16EmptySamples(t *testing.T) {
	data, err := EncodeWAVPCM16([]float32{}, 44100)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16(empty) error = %v", err)
	}
	if len(data) != 44 {
		t.Errorf("empty WAV length = %d; want 44", len(data))
	}
}
