package tts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/example/go-streamtts/internal/runtime/tensor"
	"github.com/example/go-streamtts/internal/safetensors"
	"github.com/example/go-streamtts/internal/speech"
)

// speakerTensorName is the tensor a voice checkpoint must carry: raw
// speaker hidden states of shape [1, numSpkEmbs, llmDim].
const speakerTensorName = "speaker_embedding"

type Voice struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	License string `json:"license"`
}

type voiceManifest struct {
	Voices []Voice `json:"voices"`
}

// VoiceManager resolves voice IDs to speaker embedding checkpoints listed
// in a JSON manifest. Relative paths resolve against the manifest
// directory.
type VoiceManager struct {
	baseDir string
	voices  []Voice
	byID    map[string]Voice
}

func NewVoiceManager(manifestPath string) (*VoiceManager, error) {
	if manifestPath == "" {
		return nil, errors.New("tts: manifest path is required")
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("tts: read voice manifest: %w", err)
	}

	var manifest voiceManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("tts: decode voice manifest: %w", err)
	}

	mgr := &VoiceManager{
		baseDir: filepath.Dir(manifestPath),
		voices:  append([]Voice(nil), manifest.Voices...),
		byID:    make(map[string]Voice, len(manifest.Voices)),
	}
	for _, v := range manifest.Voices {
		if v.ID == "" {
			return nil, errors.New("tts: voice manifest contains empty id")
		}
		if v.Path == "" {
			return nil, fmt.Errorf("tts: voice %q has empty path", v.ID)
		}
		if _, exists := mgr.byID[v.ID]; exists {
			return nil, fmt.Errorf("tts: duplicate voice id %q", v.ID)
		}
		mgr.byID[v.ID] = v
	}
	return mgr, nil
}

func (m *VoiceManager) ListVoices() []Voice {
	return append([]Voice(nil), m.voices...)
}

func (m *VoiceManager) ResolvePath(id string) (string, error) {
	v, ok := m.byID[id]
	if !ok {
		return "", fmt.Errorf("tts: unknown voice id %q", id)
	}

	resolved := v.Path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(m.baseDir, resolved)
	}
	resolved = filepath.Clean(resolved)

	if _, err := os.Stat(resolved); err != nil {
		return "", fmt.Errorf("tts: voice file for %q: %w", id, err)
	}
	return resolved, nil
}

// SpeakerEmbedding loads the speaker tensor for a voice ID and checks it
// against the model config.
func (m *VoiceManager) SpeakerEmbedding(id string, cfg speech.Config) (*tensor.Tensor, error) {
	path, err := m.ResolvePath(id)
	if err != nil {
		return nil, err
	}
	return LoadSpeakerEmbedding(path, cfg)
}

// LoadSpeakerEmbedding reads a speaker embedding checkpoint. The tensor may
// be stored as [1, numSpkEmbs, llmDim] or [numSpkEmbs, llmDim].
func LoadSpeakerEmbedding(path string, cfg speech.Config) (*tensor.Tensor, error) {
	store, err := safetensors.OpenStore(path, safetensors.StoreOptions{})
	if err != nil {
		return nil, fmt.Errorf("tts: open voice checkpoint: %w", err)
	}
	defer store.Close()

	raw, err := store.Tensor(speakerTensorName)
	if err != nil {
		return nil, fmt.Errorf("tts: voice checkpoint %s: %w", path, err)
	}

	data, shape, err := safetensors.NormalizeEmbeddingShape(raw)
	if err != nil {
		return nil, fmt.Errorf("tts: voice checkpoint %s: %w", path, err)
	}
	if shape[0] != 1 || shape[1] != cfg.NumSpkEmbs || shape[2] != cfg.LLMDim {
		return nil, fmt.Errorf("tts: voice checkpoint %s: embedding shape %v does not match [1 %d %d]",
			path, shape, cfg.NumSpkEmbs, cfg.LLMDim)
	}

	emb, err := tensor.New(data, shape)
	if err != nil {
		return nil, fmt.Errorf("tts: voice checkpoint %s: %w", path, err)
	}
	return emb, nil
}
