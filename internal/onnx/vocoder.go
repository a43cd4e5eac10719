package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/go-streamtts/internal/runtime/tensor"
)

// VocoderConfig selects the vocoder graph and its node names.
type VocoderConfig struct {
	ModelPath   string
	MelInput    string
	AudioOutput string
	SampleRate  int
	Runner      RunnerConfig
}

// Vocoder runs a mel-to-waveform ONNX graph. The graph takes one float32
// input [1, melBins, T] and returns PCM samples in any of the usual
// [N], [1, N] or [1, 1, N] layouts.
type Vocoder struct {
	runner     *Runner
	melInput   string
	audioOut   string
	sampleRate int
	logger     *slog.Logger
}

func NewVocoder(cfg VocoderConfig, logger *slog.Logger) (*Vocoder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("onnx: vocoder model path is required")
	}
	if cfg.MelInput == "" {
		cfg.MelInput = "mel"
	}
	if cfg.AudioOutput == "" {
		cfg.AudioOutput = "audio"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if logger == nil {
		logger = slog.Default()
	}

	runner, err := NewRunner("vocoder", cfg.ModelPath, cfg.Runner)
	if err != nil {
		return nil, err
	}
	return &Vocoder{
		runner:     runner,
		melInput:   cfg.MelInput,
		audioOut:   cfg.AudioOutput,
		sampleRate: cfg.SampleRate,
		logger:     logger,
	}, nil
}

func (v *Vocoder) SampleRate() int { return v.sampleRate }

func (v *Vocoder) Close() {
	if v.runner != nil {
		v.runner.Close()
	}
}

// Synthesize converts a mel spectrogram [1, melBins, T] to PCM samples.
func (v *Vocoder) Synthesize(ctx context.Context, mel *tensor.Tensor) ([]float32, error) {
	shape := mel.Shape()
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("onnx: vocoder input shape %v, want [1 melBins t]", shape)
	}

	in, err := NewTensor(mel.Data(), shape)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	outputs, err := v.runner.Run(ctx, map[string]*Tensor{v.melInput: in})
	if err != nil {
		return nil, err
	}

	out, ok := outputs[v.audioOut]
	if !ok {
		return nil, fmt.Errorf("onnx: vocoder graph produced no %q output", v.audioOut)
	}
	samples, err := flattenAudio(out)
	if err != nil {
		return nil, err
	}

	v.logger.Debug("vocoder synthesis complete",
		"mel_frames", shape[2],
		"samples", len(samples),
		"ms", time.Since(start).Milliseconds(),
	)
	return samples, nil
}

func flattenAudio(t *Tensor) ([]float32, error) {
	for _, d := range t.Shape[:max(len(t.Shape)-1, 0)] {
		if d != 1 {
			return nil, fmt.Errorf("onnx: vocoder output shape %v, want a single channel", t.Shape)
		}
	}
	return append([]float32(nil), t.Data...), nil
}
