package server

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/example/go-streamtts/internal/config"
	"github.com/example/go-streamtts/internal/safetensors"
	"github.com/example/go-streamtts/internal/speech"
	"github.com/example/go-streamtts/internal/tts"
)

// testSpeechConfig shrinks the model so a checkpoint fits in a fixture.
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

func randWeights(rng *rand.Rand, n int64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * 0.1
	}
	return out
}

func onesWeights(n int64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func testModel(t *testing.T, seed int64) *speech.Model {
	t.Helper()

	cfg := testSpeechConfig()
	h := cfg.HiddenSize
	inter := cfg.IntermediateSize
	rng := rand.New(rand.NewSource(seed))

	tensors := []safetensors.Tensor{
		{Name: "emb_text.weight", Shape: []int64{cfg.NumTextTokens, h}, Data: randWeights(rng, cfg.NumTextTokens*h)},
		{Name: "model.norm.weight", Shape: []int64{h}, Data: onesWeights(h)},
	}
	for vq := 0; vq < cfg.NumVQ; vq++ {
		n := strconv.Itoa(vq)
		tensors = append(tensors,
			safetensors.Tensor{Name: "emb_code." + n + ".weight", Shape: []int64{cfg.NumAudioTokens, h}, Data: randWeights(rng, cfg.NumAudioTokens*h)},
			safetensors.Tensor{Name: "head_code." + n + ".weight_g", Shape: []int64{cfg.NumAudioTokens, 1}, Data: onesWeights(cfg.NumAudioTokens)},
			safetensors.Tensor{Name: "head_code." + n + ".weight_v", Shape: []int64{cfg.NumAudioTokens, h}, Data: randWeights(rng, cfg.NumAudioTokens*h)},
		)
	}
	layer := "model.layers.0."
	tensors = append(tensors,
		safetensors.Tensor{Name: layer + "input_layernorm.weight", Shape: []int64{h}, Data: onesWeights(h)},
		safetensors.Tensor{Name: layer + "self_attn.q_proj.weight", Shape: []int64{h, h}, Data: randWeights(rng, h*h)},
		safetensors.Tensor{Name: layer + "self_attn.k_proj.weight", Shape: []int64{h, h}, Data: randWeights(rng, h*h)},
		safetensors.Tensor{Name: layer + "self_attn.v_proj.weight", Shape: []int64{h, h}, Data: randWeights(rng, h*h)},
		safetensors.Tensor{Name: layer + "self_attn.o_proj.weight", Shape: []int64{h, h}, Data: randWeights(rng, h*h)},
		safetensors.Tensor{Name: layer + "post_attention_layernorm.weight", Shape: []int64{h}, Data: onesWeights(h)},
		safetensors.Tensor{Name: layer + "mlp.gate_proj.weight", Shape: []int64{inter, h}, Data: randWeights(rng, inter*h)},
		safetensors.Tensor{Name: layer + "mlp.up_proj.weight", Shape: []int64{inter, h}, Data: randWeights(rng, inter*h)},
		safetensors.Tensor{Name: layer + "mlp.down_proj.weight", Shape: []int64{h, inter}, Data: randWeights(rng, h*inter)},
	)

	data, err := safetensors.EncodeTensors(tensors)
	if err != nil {
		t.Fatalf("encode tensors: %v", err)
	}
	store, err := safetensors.OpenStoreFromBytes(data, safetensors.StoreOptions{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	model, err := speech.LoadModelFromStore(store, cfg, nil)
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	return model
}

func testService(t *testing.T, seed int64) *tts.Service {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Decoder.ChunkSize = 3
	return tts.NewServiceFromModel(testModel(t, seed), cfg, nil)
}
