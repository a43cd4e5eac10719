package audio

import (
	"encoding/binary"
	"fmt"
)

// Hook transforms a sample buffer in a post-processing chain.  A hook may
// modify the buffer in place or return a replacement slice.
type Hook func(samples []float32) []float32

// ApplyHooks runs each hook over the samples in order and returns the final
// buffer.
func ApplyHooks(samples []float32, hooks ...Hook) []float32 {
	for _, hook := range hooks {
		samples = hook(samples)
	}

	return samples
}

const wavHeaderSize = 44

// putWAVHeader fills dst with a 44-byte RIFF header for mono 16-bit PCM.
// riffSize and dataSize may be 0xFFFFFFFF for streams of unknown length.
func putWAVHeader(dst []byte, sampleRate int, riffSize, dataSize uint32) {
	const (
		channels      = ExpectedChannels
		bitsPerSample = ExpectedBitDepth
		blockAlign    = channels * bitsPerSample / 8
	)

	copy(dst[0:4], "RIFF")
	binary.LittleEndian.PutUint32(dst[4:8], riffSize)
	copy(dst[8:12], "WAVE")
	copy(dst[12:16], "fmt ")
	binary.LittleEndian.PutUint32(dst[16:20], 16)
	binary.LittleEndian.PutUint16(dst[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(dst[22:24], channels)
	binary.LittleEndian.PutUint32(dst[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(dst[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(dst[32:34], blockAlign)
	binary.LittleEndian.PutUint16(dst[34:36], bitsPerSample)
	copy(dst[36:40], "data")
	binary.LittleEndian.PutUint32(dst[40:44], dataSize)
}

// pcm16 quantizes a float32 sample to signed 16-bit PCM. Out-of-range
// samples clamp to +/-32767 and NaN maps to silence.
func pcm16(s float32) int16 {
	switch {
	case s != s:
		return 0
	case s > 1:
		return 32767
	case s < -1:
		return -32767
	}

	return int16(s * 32767)
}

// EncodeWAVPCM16 renders samples as a complete mono 16-bit PCM WAV file.
func EncodeWAVPCM16(samples []float32, sampleRate int) ([]byte, error) {
	if sampleRate < 1 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}

	dataSize := len(samples) * 2
	out := make([]byte, wavHeaderSize+dataSize)
	putWAVHeader(out, sampleRate, uint32(wavHeaderSize-8+dataSize), uint32(dataSize))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[wavHeaderSize+i*2:], uint16(pcm16(s)))
	}

	return out, nil
}
