package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestWriteWAVHeaderStreaming(t *testing.T) {
	var buf bytes.Buffer

	n, err := WriteWAVHeaderStreaming(&buf, ExpectedSampleRate)
	if err != nil {
		t.Fatalf("WriteWAVHeaderStreaming error: %v", err)
	}
	if n != 44 || buf.Len() != 44 {
		t.Fatalf("wrote %d bytes (buffer %d); want 44", n, buf.Len())
	}

	hdr := buf.Bytes()

	t.Run("chunk markers", func(t *testing.T) {
		for _, m := range []struct {
			off  int
			want string
		}{
			{0, "RIFF"},
			{8, "WAVE"},
			{12, "fmt "},
			{36, "data"},
		} {
			if got := string(hdr[m.off : m.off+4]); got != m.want {
				t.Errorf("marker at %d = %q; want %q", m.off, got, m.want)
			}
		}
	})

	t.Run("sizes marked unknown", func(t *testing.T) {
		if got := binary.LittleEndian.Uint32(hdr[4:8]); got != 0xFFFFFFFF {
			t.Errorf("RIFF size = 0x%08X; want 0xFFFFFFFF", got)
		}
		if got := binary.LittleEndian.Uint32(hdr[40:44]); got != 0xFFFFFFFF {
			t.Errorf("data size = 0x%08X; want 0xFFFFFFFF", got)
		}
	})

	t.Run("format fields", func(t *testing.T) {
		if got := binary.LittleEndian.Uint16(hdr[20:22]); got != 1 {
			t.Errorf("audio format = %d; want 1 (PCM)", got)
		}
		if got := binary.LittleEndian.Uint16(hdr[22:24]); got != ExpectedChannels {
			t.Errorf("channels = %d; want %d", got, ExpectedChannels)
		}
		if got := binary.LittleEndian.Uint32(hdr[24:28]); got != ExpectedSampleRate {
			t.Errorf("sample rate = %d; want %d", got, ExpectedSampleRate)
		}
		if got := binary.LittleEndian.Uint16(hdr[34:36]); got != ExpectedBitDepth {
			t.Errorf("bits per sample = %d; want %d", got, ExpectedBitDepth)
		}
	})
}

func TestWritePCM16Samples(t *testing.T) {
	t.Run("quantization", func(t *testing.T) {
		samples := []float32{0.0, 1.0, -1.0, 0.5, -0.5}
		var buf bytes.Buffer

		n, err := WritePCM16Samples(&buf, samples)
		if err != nil {
			t.Fatalf("WritePCM16Samples error: %v", err)
		}
		if n != len(samples)*2 {
			t.Fatalf("wrote %d bytes; want %d", n, len(samples)*2)
		}

		data := buf.Bytes()
		for i, want := range []int16{0, 32767, -32767, 16383, -16383} {
			got := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
			if int(got) < int(want)-1 || int(got) > int(want)+1 {
				t.Errorf("sample[%d] = %d; want ~%d", i, got, want)
			}
		}
	})

	t.Run("out-of-range samples clamp", func(t *testing.T) {
		var buf bytes.Buffer

		if _, err := WritePCM16Samples(&buf, []float32{2.0, -3.0}); err != nil {
			t.Fatal(err)
		}

		data := buf.Bytes()
		if got := int16(binary.LittleEndian.Uint16(data[0:2])); got != 32767 {
			t.Errorf("clamped +2.0 = %d; want 32767", got)
		}
		if got := int16(binary.LittleEndian.Uint16(data[2:4])); got != -32767 {
			t.Errorf("clamped -3.0 = %d; want -32767", got)
		}
	})

	t.Run("NaN maps to silence", func(t *testing.T) {
		var buf bytes.Buffer

		if _, err := WritePCM16Samples(&buf, []float32{float32(math.NaN())}); err != nil {
			t.Fatalf("WritePCM16Samples(NaN) error: %v", err)
		}
		if got := int16(binary.LittleEndian.Uint16(buf.Bytes()[0:2])); got != 0 {
			t.Errorf("NaN sample = %d; want 0", got)
		}
	})

	t.Run("empty input writes nothing", func(t *testing.T) {
		var buf bytes.Buffer

		n, err := WritePCM16Samples(&buf, nil)
		if err != nil {
			t.Fatalf("WritePCM16Samples(nil) error: %v", err)
		}
		if n != 0 {
			t.Errorf("wrote %d bytes for nil; want 0", n)
		}
	})
}
