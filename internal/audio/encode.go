package audio

import (
	"errors"
	"fmt"
	"io"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

// EncodeWAV encodes float32 PCM samples as a WAV byte slice
// using mono, 16-bit PCM format at the given sample rate.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if sampleRate < 1 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}

	// wav.NewEncoder needs an io.WriteSeeker so it can patch the chunk
	// sizes on Close; bytes.Buffer is append-only, hence the wrapper.
	sw := &seekableSlice{}
	enc := wav.NewEncoder(sw, sampleRate, ExpectedBitDepth, ExpectedChannels, 1) // 1 = PCM

	pcmBuf := &goaudio.Float32Buffer{
		Data:           samples,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: ExpectedChannels},
		SourceBitDepth: ExpectedBitDepth,
	}

	if err := enc.Write(pcmBuf); err != nil {
		return nil, fmt.Errorf("writing PCM: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}

	return sw.data, nil
}

// seekableSlice is an in-memory io.WriteSeeker backed by a byte slice.
type seekableSlice struct {
	data []byte
	pos  int
}

func (s *seekableSlice) Write(p []byte) (int, error) {
	if end := s.pos + len(p); end > len(s.data) {
		if end > cap(s.data) {
			grown := make([]byte, end, 2*end)
			copy(grown, s.data)
			s.data = grown
		} else {
			s.data = s.data[:end]
		}
	}

	copy(s.data[s.pos:], p)
	s.pos += len(p)

	return len(p), nil
}

func (s *seekableSlice) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = int64(s.pos) + offset
	case io.SeekEnd:
		pos = int64(len(s.data)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}

	if pos < 0 {
		return 0, errors.New("seek before start")
	}
	s.pos = int(pos)

	return pos, nil
}

var _ io.WriteSeeker = (*seekableSlice)(nil)
