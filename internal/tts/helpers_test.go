package tts

import (
	"math/rand"
	"strconv"
	"strings"
	"testing"

	"github.com/example/go-streamtts/internal/safetensors"
	"github.com/example/go-streamtts/internal/speech"
)

func assertErrContains(t *testing.T, err error, substr string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("error %q does not contain %q", err.Error(), substr)
	}
}

// testSpeechConfig shrinks the model to a handful of dimensions so a
// checkpoint fits in a test fixture. No speaker conditioning.
func testSpeechConfig() speech.Config {
	cfg := speech.DefaultConfig()
	cfg.HiddenSize = 4
	cfg.IntermediateSize = 8
	cfg.NumAttentionHeads = 2
	cfg.NumHiddenLayers = 1
	cfg.MaxPositionEmbeddings = 64
	cfg.LLMDim = 6
	cfg.NumAudioTokens = 5
	cfg.NumTextTokens = 30
	cfg.NumVQ = 2
	cfg.UseSpeakerEmbedding = false
	cfg.NumSpkEmbs = 0
	cfg.SpkEmbTokenID = 25
	cfg.AudioBosTokenID = 20
	cfg.TextEosTokenID = 21
	cfg.StreamingTextReservedLen = 6
	cfg.StreamingTextChunkSize = 2
	cfg.StreamingAudioChunkSize = 3
	return cfg
}

func randData(rng *rand.Rand, n int64, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * scale
	}
	return out
}

func onesData(n int64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// testCheckpointTensors emits a decoder-only checkpoint matching
// testSpeechConfig with randomized weights.
func testCheckpointTensors(rng *rand.Rand) []safetensors.Tensor {
	cfg := testSpeechConfig()
	h := cfg.HiddenSize
	inter := cfg.IntermediateSize

	tensors := []safetensors.Tensor{
		{Name: "emb_text.weight", Shape: []int64{cfg.NumTextTokens, h}, Data: randData(rng, cfg.NumTextTokens*h, 0.1)},
		{Name: "model.norm.weight", Shape: []int64{h}, Data: onesData(h)},
	}
	for vq := 0; vq < cfg.NumVQ; vq++ {
		n := strconv.Itoa(vq)
		tensors = append(tensors,
			safetensors.Tensor{Name: "emb_code." + n + ".weight", Shape: []int64{cfg.NumAudioTokens, h}, Data: randData(rng, cfg.NumAudioTokens*h, 0.1)},
			safetensors.Tensor{Name: "head_code." + n + ".weight_g", Shape: []int64{cfg.NumAudioTokens, 1}, Data: onesData(cfg.NumAudioTokens)},
			safetensors.Tensor{Name: "head_code." + n + ".weight_v", Shape: []int64{cfg.NumAudioTokens, h}, Data: randData(rng, cfg.NumAudioTokens*h, 0.1)},
		)
	}
	layer := "model.layers.0."
	tensors = append(tensors,
		safetensors.Tensor{Name: layer + "input_layernorm.weight", Shape: []int64{h}, Data: onesData(h)},
		safetensors.Tensor{Name: layer + "self_attn.q_proj.weight", Shape: []int64{h, h}, Data: randData(rng, h*h, 0.1)},
		safetensors.Tensor{Name: layer + "self_attn.k_proj.weight", Shape: []int64{h, h}, Data: randData(rng, h*h, 0.1)},
		safetensors.Tensor{Name: layer + "self_attn.v_proj.weight", Shape: []int64{h, h}, Data: randData(rng, h*h, 0.1)},
		safetensors.Tensor{Name: layer + "self_attn.o_proj.weight", Shape: []int64{h, h}, Data: randData(rng, h*h, 0.1)},
		safetensors.Tensor{Name: layer + "post_attention_layernorm.weight", Shape: []int64{h}, Data: onesData(h)},
		safetensors.Tensor{Name: layer + "mlp.gate_proj.weight", Shape: []int64{inter, h}, Data: randData(rng, inter*h, 0.1)},
		safetensors.Tensor{Name: layer + "mlp.up_proj.weight", Shape: []int64{inter, h}, Data: randData(rng, inter*h, 0.1)},
		safetensors.Tensor{Name: layer + "mlp.down_proj.weight", Shape: []int64{h, inter}, Data: randData(rng, h*inter, 0.1)},
	)
	return tensors
}

func loadTestModel(t *testing.T, seed int64) *speech.Model {
	t.Helper()

	rng := rand.New(rand.NewSource(seed))
	data, err := safetensors.EncodeTensors(testCheckpointTensors(rng))
	if err != nil {
		t.Fatalf("encode tensors: %v", err)
	}
	store, err := safetensors.OpenStoreFromBytes(data, safetensors.StoreOptions{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	model, err := speech.LoadModelFromStore(store, testSpeechConfig(), nil)
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	return model
}

func newTestSession(t *testing.T, seed int64) *Session {
	t.Helper()

	model := loadTestModel(t, seed)
	s, err := NewSession(model.Decoder, nil, SessionOptions{
		BosTokenID: 0,
		RNG:        rand.New(rand.NewSource(seed + 1)),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}
