package config

import (
	"fmt"
	"strings"
)

const (
	// BackendMel returns raw mel spectrogram frames; no waveform stage.
	BackendMel = "mel"
	// BackendONNX runs an ONNX vocoder graph to produce PCM.
	BackendONNX = "onnx"
)

func NormalizeVocoderBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	if backend == "" {
		backend = BackendMel
	}
	switch backend {
	case BackendMel, BackendONNX:
		return backend, nil
	default:
		return "", fmt.Errorf("invalid vocoder backend %q (expected %s|%s)", raw, BackendMel, BackendONNX)
	}
}
