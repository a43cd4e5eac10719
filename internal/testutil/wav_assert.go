package testutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
)

const synthesisSampleRate = 24000

type wavInfo struct {
	audioFormat uint16
	channels    uint16
	sampleRate  uint32
	bitDepth    uint16
	dataSize    uint32
}

// parseWAV validates the RIFF framing and extracts the fmt fields and data
// chunk size.
func parseWAV(data []byte) (wavInfo, error) {
	if len(data) < 44 {
		return wavInfo{}, fmt.Errorf("too short: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return wavInfo{}, fmt.Errorf("missing RIFF header (got %q)", string(data[0:4]))
	}
	if string(data[8:12]) != "WAVE" {
		return wavInfo{}, fmt.Errorf("missing WAVE marker (got %q)", string(data[8:12]))
	}
	if string(data[12:16]) != "fmt " {
		return wavInfo{}, fmt.Errorf("missing fmt chunk (got %q)", string(data[12:16]))
	}

	info := wavInfo{
		audioFormat: binary.LittleEndian.Uint16(data[20:22]),
		channels:    binary.LittleEndian.Uint16(data[22:24]),
		sampleRate:  binary.LittleEndian.Uint32(data[24:28]),
		bitDepth:    binary.LittleEndian.Uint16(data[34:36]),
	}

	size, err := findDataChunkSize(data)
	if err != nil {
		return wavInfo{}, err
	}
	info.dataSize = size

	return info, nil
}

// AssertValidWAV checks that data is a valid PCM WAV file with the expected
// synthesis format: RIFF header, 24000 Hz sample rate, mono, 16-bit depth,
// and a non-empty data chunk.
func AssertValidWAV(tb testing.TB, data []byte) {
	tb.Helper()

	info, err := parseWAV(data)
	if err != nil {
		tb.Fatalf("WAV: %v", err)
	}

	if info.audioFormat != 1 {
		tb.Fatalf("WAV: expected PCM format (1), got %d", info.audioFormat)
	}
	if info.channels != 1 {
		tb.Fatalf("WAV: expected mono (1 channel), got %d", info.channels)
	}
	if info.sampleRate != synthesisSampleRate {
		tb.Fatalf("WAV: expected sample rate %d, got %d", synthesisSampleRate, info.sampleRate)
	}
	if info.bitDepth != 16 {
		tb.Fatalf("WAV: expected 16-bit depth, got %d", info.bitDepth)
	}
	if info.dataSize/2 == 0 {
		tb.Fatal("WAV: data chunk contains zero samples")
	}
}

// AssertWAVDurationApprox asserts that the WAV audio duration falls within
// [minSec, maxSec], assuming 16-bit mono at 24000 Hz.
func AssertWAVDurationApprox(tb testing.TB, data []byte, minSec, maxSec float64) {
	tb.Helper()

	info, err := parseWAV(data)
	if err != nil {
		tb.Fatalf("WAV duration check: %v", err)
	}

	durationSec := float64(info.dataSize/2) / float64(synthesisSampleRate)
	if durationSec < minSec || durationSec > maxSec {
		tb.Fatalf("WAV duration %.3fs out of expected range [%.3fs, %.3fs]", durationSec, minSec, maxSec)
	}
}

// findDataChunkSize walks the chunk list after the 12-byte RIFF/WAVE prelude
// until it reaches the "data" sub-chunk.
func findDataChunkSize(data []byte) (uint32, error) {
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if id == "data" {
			return size, nil
		}

		offset += 8 + int(size)
		// Chunks are padded to an even boundary.
		if size%2 != 0 {
			offset++
		}
	}

	return 0, errors.New("data chunk not found in WAV")
}
