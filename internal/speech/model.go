package speech

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/example/go-streamtts/internal/safetensors"
)

// ComponentKind names the loadable components of a checkpoint. Loading is
// driven by a dispatch table over these kinds rather than ad-hoc calls, so
// a failed load reports exactly which component was incomplete and new
// components slot in by adding a table row.
type ComponentKind int

const (
	ComponentBackbone ComponentKind = iota
	ComponentTextEmbedding
	ComponentCodeEmbeddings
	ComponentCodeHeads
	ComponentProjector
	ComponentCodec
)

func (k ComponentKind) String() string {
	switch k {
	case ComponentBackbone:
		return "backbone"
	case ComponentTextEmbedding:
		return "text_embedding"
	case ComponentCodeEmbeddings:
		return "code_embeddings"
	case ComponentCodeHeads:
		return "code_heads"
	case ComponentProjector:
		return "projector"
	case ComponentCodec:
		return "codec"
	default:
		return "component(" + strconv.Itoa(int(k)) + ")"
	}
}

// Model bundles the streaming decoder and the codec loaded from one
// checkpoint.
type Model struct {
	Decoder *Decoder
	Codec   *DVAE
	cfg     Config
}

func (m *Model) Config() Config { return m.cfg }

type modelParts struct {
	backbone  *Transformer
	embText   *Embedding
	embCode   []*Embedding
	heads     []*Linear
	projector *Projector
	codec     *DVAE
}

type componentLoader struct {
	kind ComponentKind
	load func(parts *modelParts, vb *VarBuilder, cfg Config) error
}

var componentLoaders = []componentLoader{
	{ComponentBackbone, func(p *modelParts, vb *VarBuilder, cfg Config) error {
		backbone, err := loadTransformer(vb.Path("model"), cfg)
		if err != nil {
			return err
		}
		p.backbone = backbone
		return nil
	}},
	{ComponentTextEmbedding, func(p *modelParts, vb *VarBuilder, cfg Config) error {
		emb, err := loadEmbedding(vb, "emb_text")
		if err != nil {
			return err
		}
		if !equalShape(emb.Weight.Shape(), []int64{cfg.NumTextTokens, cfg.HiddenSize}) {
			return fmt.Errorf("text embedding shape %v, want [%d %d]", emb.Weight.Shape(), cfg.NumTextTokens, cfg.HiddenSize)
		}
		p.embText = emb
		return nil
	}},
	{ComponentCodeEmbeddings, func(p *modelParts, vb *VarBuilder, cfg Config) error {
		p.embCode = make([]*Embedding, cfg.NumVQ)
		for i := 0; i < cfg.NumVQ; i++ {
			emb, err := loadEmbedding(vb, "emb_code."+strconv.Itoa(i))
			if err != nil {
				return err
			}
			if !equalShape(emb.Weight.Shape(), []int64{cfg.NumAudioTokens, cfg.HiddenSize}) {
				return fmt.Errorf("code embedding %d shape %v, want [%d %d]", i, emb.Weight.Shape(), cfg.NumAudioTokens, cfg.HiddenSize)
			}
			p.embCode[i] = emb
		}
		return nil
	}},
	{ComponentCodeHeads, func(p *modelParts, vb *VarBuilder, cfg Config) error {
		p.heads = make([]*Linear, cfg.NumVQ)
		for i := 0; i < cfg.NumVQ; i++ {
			head, err := loadWeightNormLinear(vb, "head_code."+strconv.Itoa(i))
			if err != nil {
				return err
			}
			if !equalShape(head.Weight.Shape(), []int64{cfg.NumAudioTokens, cfg.HiddenSize}) {
				return fmt.Errorf("code head %d shape %v, want [%d %d]", i, head.Weight.Shape(), cfg.NumAudioTokens, cfg.HiddenSize)
			}
			p.heads[i] = head
		}
		return nil
	}},
	{ComponentProjector, func(p *modelParts, vb *VarBuilder, cfg Config) error {
		if !cfg.UseSpeakerEmbedding {
			return nil
		}
		projector, err := loadProjector(vb, "projector", cfg.UseMLPProjector)
		if err != nil {
			return err
		}
		p.projector = projector
		return nil
	}},
	{ComponentCodec, func(p *modelParts, vb *VarBuilder, cfg Config) error {
		// Decoder-only checkpoints ship without a codec.
		if !vb.Has("dvae.coef") {
			return nil
		}
		codec, err := loadDVAE(vb.Path("dvae"), cfg.NumMelBins)
		if err != nil {
			return err
		}
		p.codec = codec
		return nil
	}},
}

// LoadModel opens a safetensors checkpoint and assembles the model.
func LoadModel(path string, cfg Config, logger *slog.Logger) (*Model, error) {
	vb, err := OpenVarBuilder(path, safetensors.StoreOptions{})
	if err != nil {
		return nil, fmt.Errorf("speech: open checkpoint: %w", err)
	}
	return LoadModelFromBuilder(vb, cfg, logger)
}

// LoadModelFromStore assembles the model from an already-open store.
func LoadModelFromStore(store *safetensors.Store, cfg Config, logger *slog.Logger) (*Model, error) {
	return LoadModelFromBuilder(NewVarBuilder(store), cfg, logger)
}

// LoadModelFromBuilder runs every component loader against the builder.
// Checkpoints that nest the decoder under a "tts" namespace are detected
// and descended into automatically.
func LoadModelFromBuilder(vb *VarBuilder, cfg Config, logger *slog.Logger) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !vb.Has("emb_text.weight") && vb.Path("tts").Has("emb_text.weight") {
		vb = vb.Path("tts")
	}

	parts := &modelParts{}
	for _, loader := range componentLoaders {
		if err := loader.load(parts, vb, cfg); err != nil {
			return nil, fmt.Errorf("speech: load %s: %w", loader.kind, err)
		}
	}

	decoder, err := NewDecoder(cfg, parts.backbone, parts.embText, parts.embCode, parts.heads, parts.projector, logger)
	if err != nil {
		return nil, err
	}
	return &Model{Decoder: decoder, Codec: parts.codec, cfg: cfg}, nil
}
