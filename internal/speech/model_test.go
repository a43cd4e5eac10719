package speech

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/example/go-streamtts/internal/safetensors"
)

func testModelConfig() Config {
	cfg := testDecoderConfig()
	cfg.UseSpeakerEmbedding = true
	cfg.UseMLPProjector = true
	cfg.NumSpkEmbs = 1
	return cfg
}

// testCheckpoint emits a decoder-only checkpoint for testModelConfig with
// randomized weights under the given namespace prefix.
func testCheckpoint(rng *rand.Rand, prefix string) []safetensors.Tensor {
	cfg := testModelConfig()
	h := cfg.HiddenSize
	inter := cfg.IntermediateSize

	tensors := []safetensors.Tensor{
		{Name: prefix + "emb_text.weight", Shape: []int64{cfg.NumTextTokens, h}, Data: randData(rng, cfg.NumTextTokens*h, 0.1)},
		{Name: prefix + "projector.linear1.weight", Shape: []int64{h, cfg.LLMDim}, Data: randData(rng, h*cfg.LLMDim, 0.1)},
		{Name: prefix + "projector.linear1.bias", Shape: []int64{h}, Data: randData(rng, h, 0.1)},
		{Name: prefix + "projector.linear2.weight", Shape: []int64{h, h}, Data: randData(rng, h*h, 0.1)},
		{Name: prefix + "projector.linear2.bias", Shape: []int64{h}, Data: randData(rng, h, 0.1)},
		{Name: prefix + "model.norm.weight", Shape: []int64{h}, Data: onesData(h)},
	}
	for vq := 0; vq < cfg.NumVQ; vq++ {
		n := strconv.Itoa(vq)
		tensors = append(tensors,
			safetensors.Tensor{Name: prefix + "emb_code." + n + ".weight", Shape: []int64{cfg.NumAudioTokens, h}, Data: randData(rng, cfg.NumAudioTokens*h, 0.1)},
			safetensors.Tensor{Name: prefix + "head_code." + n + ".weight_g", Shape: []int64{cfg.NumAudioTokens, 1}, Data: onesData(cfg.NumAudioTokens)},
			safetensors.Tensor{Name: prefix + "head_code." + n + ".weight_v", Shape: []int64{cfg.NumAudioTokens, h}, Data: randData(rng, cfg.NumAudioTokens*h, 0.1)},
		)
	}
	layer := prefix + "model.layers.0."
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

// conditionTokens is the text-prefill span: bos, one speaker placeholder
// and the reserved text region. The audio-bos position is fed by Generate.
func conditionTokens(cfg Config) ([]int64, []int64) {
	ids := []int64{0, cfg.SpkEmbTokenID}
	for i := int64(0); i < cfg.StreamingTextReservedLen; i++ {
		ids = append(ids, 1+i)
	}
	positions := make([]int64, len(ids))
	for i := range positions {
		positions[i] = int64(i)
	}
	return ids, positions
}

func TestLoadModelStreamsEndToEnd(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	cfg := testModelConfig()

	// The decoder weights live under a "tts" namespace, as shipped
	// checkpoints nest them.
	vb := buildVarBuilder(t, testCheckpoint(rng, "tts."))
	model, err := LoadModelFromBuilder(vb, cfg, nil)
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	if model.Codec != nil {
		t.Fatal("decoder-only checkpoint produced a codec")
	}
	dec := model.Decoder

	cache, err := dec.NewCache()
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ids, positions := conditionTokens(cfg)
	spkEmb := mustTensor(t, randData(rng, cfg.NumSpkEmbs*cfg.LLMDim, 0.5), []int64{1, cfg.NumSpkEmbs, cfg.LLMDim})
	if err := dec.PrefillText(ids, positions, cache, spkEmb); err != nil {
		t.Fatalf("prefill text: %v", err)
	}
	if cache.Len() != int64(len(ids)) {
		t.Fatalf("cache length %d after prefill, want %d", cache.Len(), len(ids))
	}

	text := fullTextMask(t, cfg.StreamingTextReservedLen)
	seq := conditionRows(t, cfg)
	res, err := dec.Generate(seq, cache, text, GenerateParams{
		EOSToken:     4,
		MaxNewTokens: 3,
		ForceNoStop:  true,
		RNG:          rand.New(rand.NewSource(7)),
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Finished {
		t.Fatal("forced generation reported finished")
	}
	if res.Steps != 3 || len(res.NewRows) != 3 {
		t.Fatalf("steps %d rows %d, want 3 each", res.Steps, len(res.NewRows))
	}
	for i, row := range res.NewRows {
		if len(row) != cfg.NumVQ {
			t.Fatalf("row %d has %d codebooks", i, len(row))
		}
		for vq, tok := range row {
			if tok < 0 || tok >= cfg.NumAudioTokens {
				t.Fatalf("row %d codebook %d token %d out of range", i, vq, tok)
			}
			if tok == 4 {
				t.Fatalf("row %d codebook %d sampled blocked end token", i, vq)
			}
		}
	}
	if int64(seq.Len()) != cache.Len()+1 {
		t.Fatalf("sequence length %d, cache length %d", seq.Len(), cache.Len())
	}

	// Rebuild a fresh cache from the known rows and resume: the last row
	// stays unfed so Generate picks up exactly where the cache stops.
	cache2, err := dec.NewCache()
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	if err := dec.PrefillText(ids, positions, cache2, spkEmb); err != nil {
		t.Fatalf("prefill text: %v", err)
	}
	if err := dec.PrefillAudioIDs(res.NewRows[:2], cache2, text, true); err != nil {
		t.Fatalf("prefill audio: %v", err)
	}
	wantLen := int64(len(ids)) + 1 + 2
	if cache2.Len() != wantLen {
		t.Fatalf("cache length %d after audio prefill, want %d", cache2.Len(), wantLen)
	}

	seq2 := conditionRows(t, cfg)
	for _, row := range res.NewRows {
		if err := seq2.Append(row); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	res2, err := dec.Generate(seq2, cache2, text, GenerateParams{
		EOSToken:     4,
		MaxNewTokens: 2,
		ForceNoStop:  true,
		RNG:          rand.New(rand.NewSource(13)),
	})
	if err != nil {
		t.Fatalf("resume generate: %v", err)
	}
	if res2.Steps != 2 {
		t.Fatalf("resume steps %d, want 2", res2.Steps)
	}
	// NewRows spans everything past the conditioning prefix, including the
	// rows replayed through the audio prefill.
	if len(res2.NewRows) != 5 {
		t.Fatalf("resume rows %d, want 5", len(res2.NewRows))
	}
}

func TestLoadModelRootNamespace(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	vb := buildVarBuilder(t, testCheckpoint(rng, ""))

	model, err := LoadModelFromBuilder(vb, testModelConfig(), nil)
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	if model.Decoder == nil {
		t.Fatal("no decoder loaded")
	}
}

func TestLoadModelReportsComponent(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	tensors := testCheckpoint(rng, "")

	trimmed := tensors[:0:0]
	for _, tn := range tensors {
		if tn.Name == "head_code.1.weight_v" {
			continue
		}
		trimmed = append(trimmed, tn)
	}
	vb := buildVarBuilder(t, trimmed)

	_, err := LoadModelFromBuilder(vb, testModelConfig(), nil)
	assertErrContains(t, err, "load code_heads")
}

func TestLoadModelRejectsBadConfig(t *testing.T) {
	cfg := testModelConfig()
	cfg.NumVQ = 0

	vb := buildVarBuilder(t, []safetensors.Tensor{
		{Name: "emb_text.weight", Shape: []int64{2, 2}, Data: onesData(4)},
	})
	_, err := LoadModelFromBuilder(vb, cfg, nil)
	assertErrContains(t, err, "vocab dims")
}
