// Package speech implements the streaming conditional speech decoder: a
// multi-codebook autoregressive token generator conditioned on a reserved
// text region that is revealed chunk by chunk while audio tokens are
// produced, plus the discrete codec that turns those tokens into mel
// spectrograms.
package speech

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/example/go-streamtts/internal/runtime/tensor"
)

// Decoder drives the conditional token generator. All methods assume
// batch size 1; a cache created by NewCache carries the decoding state
// between PrefillText, PrefillAudioIDs and Generate calls.
type Decoder struct {
	cfg       Config
	backbone  CausalBackbone
	embText   *Embedding
	embCode   []*Embedding
	heads     []*Linear
	projector *Projector
	logger    *slog.Logger
}

func NewDecoder(cfg Config, backbone CausalBackbone, embText *Embedding, embCode []*Embedding, heads []*Linear, projector *Projector, logger *slog.Logger) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backbone == nil || embText == nil {
		return nil, fmt.Errorf("speech: decoder needs a backbone and text embedding")
	}
	if len(embCode) != cfg.NumVQ || len(heads) != cfg.NumVQ {
		return nil, fmt.Errorf("speech: got %d code embeddings and %d heads, want %d of each",
			len(embCode), len(heads), cfg.NumVQ)
	}
	if cfg.UseSpeakerEmbedding && projector == nil {
		return nil, fmt.Errorf("speech: speaker embedding enabled without a projector")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		cfg:       cfg,
		backbone:  backbone,
		embText:   embText,
		embCode:   embCode,
		heads:     heads,
		projector: projector,
		logger:    logger,
	}, nil
}

func (d *Decoder) Config() Config { return d.cfg }

// NewCache allocates a cache sized for the full position range.
func (d *Decoder) NewCache() (*KVCache, error) {
	return d.backbone.NewCache(d.cfg.MaxPositionEmbeddings)
}

// PrefillText writes a span of text tokens into the cache. positionIDs
// must be contiguous and start at the current cache length, so text can
// arrive across multiple calls as long as each span continues where the
// previous one stopped. When spkEmb is non-nil it holds the raw speaker
// hidden states [1, numSpkEmbs, llmDim]; they are projected, normalized
// and spliced over the speaker placeholder tokens, which must occur
// exactly numSpkEmbs times in tokenIDs.
func (d *Decoder) PrefillText(tokenIDs, positionIDs []int64, cache *KVCache, spkEmb *tensor.Tensor) error {
	if len(tokenIDs) == 0 {
		return fmt.Errorf("speech: prefill text needs at least one token")
	}
	if len(tokenIDs) != len(positionIDs) {
		return fmt.Errorf("speech: %d tokens with %d positions", len(tokenIDs), len(positionIDs))
	}
	if cache == nil {
		return fmt.Errorf("speech: prefill text needs a cache")
	}

	embeds, err := d.embText.Forward(tokenIDs)
	if err != nil {
		return fmt.Errorf("speech: prefill text embed: %w", err)
	}

	if spkEmb != nil {
		if !d.cfg.UseSpeakerEmbedding {
			return fmt.Errorf("speech: speaker embedding passed but disabled in config")
		}
		projected, err := d.projector.Forward(spkEmb)
		if err != nil {
			return fmt.Errorf("speech: speaker projection: %w", err)
		}
		normalizeRows(projected)
		if err := spliceSpeakerEmbedding(embeds, tokenIDs, d.cfg.SpkEmbTokenID, projected, d.cfg.NumSpkEmbs); err != nil {
			return err
		}
	}

	if _, err := d.backbone.Forward(embeds, positionIDs, cache, nil); err != nil {
		return fmt.Errorf("speech: prefill text forward: %w", err)
	}
	return nil
}

// PrefillAudioIDs writes already-known audio code rows into the cache
// under the streaming chunk mask. With addAudioBos set, the audio-bos
// embedding is prepended; that is how a rebuilt cache re-enters audio
// territory after the text prefill.
func (d *Decoder) PrefillAudioIDs(rows [][]int64, cache *KVCache, text *TextMask, addAudioBos bool) error {
	if cache == nil || text == nil {
		return fmt.Errorf("speech: prefill audio needs a cache and text mask")
	}
	if len(rows) == 0 && !addAudioBos {
		return fmt.Errorf("speech: prefill audio has nothing to write")
	}

	var parts []*tensor.Tensor
	if addAudioBos {
		bos, err := d.embText.Forward([]int64{d.cfg.AudioBosTokenID})
		if err != nil {
			return fmt.Errorf("speech: audio bos embed: %w", err)
		}
		parts = append(parts, bos)
	}
	if len(rows) > 0 {
		codes, err := codeSumEmbeds(d.embCode, rows)
		if err != nil {
			return err
		}
		parts = append(parts, codes)
	}

	embeds := parts[0]
	if len(parts) > 1 {
		var err error
		embeds, err = tensor.Concat(parts, 1)
		if err != nil {
			return fmt.Errorf("speech: prefill audio concat: %w", err)
		}
	}

	seq := embeds.Shape()[1]
	positions := make([]int64, seq)
	for i := range positions {
		positions[i] = cache.Len() + int64(i)
	}

	bias, err := StreamingMask(d.cfg.MaskSpec(), cache.Len(), seq, text)
	if err != nil {
		return err
	}
	if _, err := d.backbone.Forward(embeds, positions, cache, bias); err != nil {
		return fmt.Errorf("speech: prefill audio forward: %w", err)
	}
	return nil
}

// GenerateParams controls one Generate call.
type GenerateParams struct {
	EOSToken     int64
	Temperature  []float32 // one entry per codebook, or a single broadcast value; nil means 1.0
	MinNewTokens int
	MaxNewTokens int
	ForceNoStop  bool
	Transforms   []LogitTransform // nil selects the config defaults
	Progress     bool
	RNG          *rand.Rand // nil seeds from the clock
}

// GenerationResult reports one Generate call. NewRows holds only the
// tokens produced by this call, without the end-of-audio row; the caller's
// sequence buffer has been extended in place and keeps the end-of-audio
// row when one was sampled after the first step.
type GenerationResult struct {
	NewRows  [][]int64
	Finished bool
	Steps    int
}

// Generate samples audio code rows autoregressively until the
// end-of-audio token appears in any codebook or MaxNewTokens is reached.
// seq must already hold exactly cache.Len()+1 rows: the conditioning
// prefix rows plus the row whose embedding has not been fed yet. An
// end-of-audio sampled on the very first step stops immediately without
// extending seq.
func (d *Decoder) Generate(seq *CodeSequence, cache *KVCache, text *TextMask, p GenerateParams) (*GenerationResult, error) {
	if seq == nil || cache == nil || text == nil {
		return nil, fmt.Errorf("speech: generate needs a sequence, cache and text mask")
	}
	if seq.NumVQ() != d.cfg.NumVQ {
		return nil, fmt.Errorf("speech: sequence has %d codebooks, want %d", seq.NumVQ(), d.cfg.NumVQ)
	}
	if p.MaxNewTokens <= 0 {
		return nil, fmt.Errorf("speech: generate needs MaxNewTokens > 0, got %d", p.MaxNewTokens)
	}
	if p.EOSToken < 0 || p.EOSToken >= d.cfg.NumAudioTokens {
		return nil, fmt.Errorf("speech: eos token %d outside audio vocab %d", p.EOSToken, d.cfg.NumAudioTokens)
	}
	startIdx := d.cfg.ConditionLength()
	if int64(seq.Len()) < startIdx {
		return nil, fmt.Errorf("speech: sequence length %d shorter than condition length %d", seq.Len(), startIdx)
	}
	if int64(seq.Len()) != cache.Len()+1 {
		return nil, fmt.Errorf("speech: sequence length %d out of step with cache length %d", seq.Len(), cache.Len())
	}

	temps, err := d.resolveTemperature(p.Temperature)
	if err != nil {
		return nil, err
	}
	transforms := p.Transforms
	if transforms == nil {
		transforms, err = DefaultTransforms(d.cfg.TopP, d.cfg.TopK, d.cfg.RepetitionPenalty, d.cfg.NumAudioTokens)
		if err != nil {
			return nil, err
		}
	}
	rng := p.RNG
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var bar *progressbar.ProgressBar
	if p.Progress {
		bar = progressbar.Default(int64(p.MaxNewTokens), "decode")
	}

	finished := false
	steps := 0
	for i := 0; i < p.MaxNewTokens; i++ {
		progress := int64(seq.Len())
		audioBos := progress == startIdx

		var embeds *tensor.Tensor
		if audioBos {
			embeds, err = d.embText.Forward([]int64{d.cfg.AudioBosTokenID})
			if err != nil {
				return nil, fmt.Errorf("speech: audio bos embed: %w", err)
			}
		} else {
			last, rerr := seq.Row(seq.Len() - 1)
			if rerr != nil {
				return nil, rerr
			}
			embeds, err = codeSumEmbeds(d.embCode, [][]int64{last})
			if err != nil {
				return nil, err
			}
		}

		bias, err := StreamingMask(d.cfg.MaskSpec(), cache.Len(), 1, text)
		if err != nil {
			return nil, err
		}
		hidden, err := d.backbone.Forward(embeds, []int64{cache.Len()}, cache, bias)
		if err != nil {
			return nil, fmt.Errorf("speech: generate step %d: %w", i, err)
		}

		logits, err := d.codeLogits(hidden)
		if err != nil {
			return nil, err
		}
		for vq, row := range logits {
			t := temps[vq]
			for j := range row {
				row[j] /= t
			}
		}

		// The audio-bos step is deterministic conditioning, not a sampled
		// continuation; it bypasses penalty and filtering.
		if !audioBos {
			history := make([][]int64, d.cfg.NumVQ)
			for vq := 0; vq < d.cfg.NumVQ; vq++ {
				history[vq], err = seq.Codebook(vq, int(startIdx), seq.Len())
				if err != nil {
					return nil, err
				}
			}
			if err := applyTransforms(transforms, history, logits); err != nil {
				return nil, err
			}
		}

		if i < p.MinNewTokens || p.ForceNoStop {
			for _, row := range logits {
				row[p.EOSToken] = negInf
			}
		}

		next := make([]int64, d.cfg.NumVQ)
		for vq, row := range logits {
			softmaxInPlace(row)
			next[vq] = sampleRow(row, rng)
		}
		steps++

		for _, tok := range next {
			if tok == p.EOSToken {
				finished = true
				break
			}
		}

		if i == 0 && finished {
			break
		}
		if err := seq.Append(next); err != nil {
			return nil, err
		}
		if finished {
			break
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	if !finished {
		d.logger.Info("incomplete result, hit max new tokens", "max_new_tokens", p.MaxNewTokens)
	}

	// A finished sequence keeps its end-of-audio row, but the reported new
	// tokens stop just before it.
	end := seq.Len()
	if finished && int64(end) > startIdx {
		end--
	}
	newRows, err := seq.Rows(int(startIdx), end)
	if err != nil {
		return nil, err
	}

	return &GenerationResult{NewRows: newRows, Finished: finished, Steps: steps}, nil
}

func (d *Decoder) resolveTemperature(t []float32) ([]float32, error) {
	out := make([]float32, d.cfg.NumVQ)
	switch len(t) {
	case 0:
		for i := range out {
			out[i] = 1
		}
	case 1:
		for i := range out {
			out[i] = t[0]
		}
	case d.cfg.NumVQ:
		copy(out, t)
	default:
		return nil, fmt.Errorf("speech: %d temperatures for %d codebooks", len(t), d.cfg.NumVQ)
	}
	for i, v := range out {
		if v <= 0 {
			return nil, fmt.Errorf("speech: temperature %g for codebook %d must be > 0", v, i)
		}
	}
	return out, nil
}

// codeLogits projects the last hidden state through every codebook head,
// returning one mutable logit row per codebook.
func (d *Decoder) codeLogits(hidden *tensor.Tensor) ([][]float32, error) {
	shape := hidden.Shape()
	last, err := hidden.Narrow(1, shape[1]-1, 1)
	if err != nil {
		return nil, fmt.Errorf("speech: last hidden state: %w", err)
	}
	out := make([][]float32, d.cfg.NumVQ)
	for vq, head := range d.heads {
		logits, err := head.Forward(last)
		if err != nil {
			return nil, fmt.Errorf("speech: code head %d: %w", vq, err)
		}
		row := make([]float32, d.cfg.NumAudioTokens)
		copy(row, logits.Data())
		out[vq] = row
	}
	return out, nil
}
