package tts

import (
	"context"

	"github.com/example/go-streamtts/internal/runtime/tensor"
)

// Vocoder turns a mel spectrogram [1, melBins, T] into PCM samples.
type Vocoder interface {
	Synthesize(ctx context.Context, mel *tensor.Tensor) ([]float32, error)
	SampleRate() int
	Close()
}
