package speech

import (
	"fmt"
	"math"
	"strconv"

	"github.com/example/go-streamtts/internal/runtime/ops"
	"github.com/example/go-streamtts/internal/runtime/tensor"
)

// clampLimit bounds hidden state magnitudes; overflowed activations are
// pulled back into range instead of poisoning downstream softmaxes.
const clampLimit = float32(3.0e38)

// CausalBackbone runs one forward pass over new token embeddings against a
// cache of past keys and values. A nil bias selects plain causal
// attention; a non-nil bias is added to the attention scores and replaces
// the causal mask (streaming prefill and decode build their own masks).
// The cache length advances by the number of new tokens on success.
type CausalBackbone interface {
	Forward(embeds *tensor.Tensor, positions []int64, cache *KVCache, bias *tensor.Tensor) (*tensor.Tensor, error)
	NewCache(capacity int64) (*KVCache, error)
}

type transformerLayer struct {
	inputNorm *RMSNorm
	qProj     *Linear
	kProj     *Linear
	vProj     *Linear
	oProj     *Linear
	postNorm  *RMSNorm
	gateProj  *Linear
	upProj    *Linear
	downProj  *Linear
}

func loadTransformerLayer(vb *VarBuilder, eps float32) (*transformerLayer, error) {
	inputNorm, err := loadRMSNorm(vb, "input_layernorm", eps)
	if err != nil {
		return nil, err
	}
	qProj, err := loadLinear(vb, "self_attn.q_proj", false)
	if err != nil {
		return nil, err
	}
	kProj, err := loadLinear(vb, "self_attn.k_proj", false)
	if err != nil {
		return nil, err
	}
	vProj, err := loadLinear(vb, "self_attn.v_proj", false)
	if err != nil {
		return nil, err
	}
	oProj, err := loadLinear(vb, "self_attn.o_proj", false)
	if err != nil {
		return nil, err
	}
	postNorm, err := loadRMSNorm(vb, "post_attention_layernorm", eps)
	if err != nil {
		return nil, err
	}
	gateProj, err := loadLinear(vb, "mlp.gate_proj", false)
	if err != nil {
		return nil, err
	}
	upProj, err := loadLinear(vb, "mlp.up_proj", false)
	if err != nil {
		return nil, err
	}
	downProj, err := loadLinear(vb, "mlp.down_proj", false)
	if err != nil {
		return nil, err
	}

	return &transformerLayer{
		inputNorm: inputNorm,
		qProj:     qProj,
		kProj:     kProj,
		vProj:     vProj,
		oProj:     oProj,
		postNorm:  postNorm,
		gateProj:  gateProj,
		upProj:    upProj,
		downProj:  downProj,
	}, nil
}

// Transformer is the decoder-only backbone: pre-norm attention with rotary
// positions and a SwiGLU feed-forward, matching the layer weight layout of
// standard Llama-family checkpoints.
type Transformer struct {
	layers  []*transformerLayer
	norm    *RMSNorm
	ropeCos *tensor.Tensor // [maxPos, headDim/2]
	ropeSin *tensor.Tensor
	heads   int64
	headDim int64
	hidden  int64
}

func loadTransformer(vb *VarBuilder, cfg Config) (*Transformer, error) {
	if cfg.HiddenSize%cfg.NumAttentionHeads != 0 {
		return nil, fmt.Errorf("speech: hidden size %d not divisible by %d heads", cfg.HiddenSize, cfg.NumAttentionHeads)
	}
	headDim := cfg.HiddenSize / cfg.NumAttentionHeads

	layers := make([]*transformerLayer, cfg.NumHiddenLayers)
	for i := range layers {
		layerVB := vb.Path("layers", strconv.Itoa(i))
		layer, err := loadTransformerLayer(layerVB, cfg.RMSNormEps)
		if err != nil {
			return nil, fmt.Errorf("speech: transformer layer %d: %w", i, err)
		}
		layers[i] = layer
	}

	norm, err := loadRMSNorm(vb, "norm", cfg.RMSNormEps)
	if err != nil {
		return nil, err
	}

	cos, sin, err := buildRoPETables(cfg.MaxPositionEmbeddings, headDim, cfg.RopeTheta)
	if err != nil {
		return nil, err
	}

	return &Transformer{
		layers:  layers,
		norm:    norm,
		ropeCos: cos,
		ropeSin: sin,
		heads:   cfg.NumAttentionHeads,
		headDim: headDim,
		hidden:  cfg.HiddenSize,
	}, nil
}

func buildRoPETables(maxPos, headDim int64, theta float64) (*tensor.Tensor, *tensor.Tensor, error) {
	if headDim%2 != 0 {
		return nil, nil, fmt.Errorf("speech: rope head dim must be even, got %d", headDim)
	}
	half := headDim / 2
	cosData := make([]float32, maxPos*half)
	sinData := make([]float32, maxPos*half)
	for p := int64(0); p < maxPos; p++ {
		for i := int64(0); i < half; i++ {
			freq := math.Pow(theta, -2*float64(i)/float64(headDim))
			angle := float64(p) * freq
			cosData[p*half+i] = float32(math.Cos(angle))
			sinData[p*half+i] = float32(math.Sin(angle))
		}
	}
	cos, err := tensor.New(cosData, []int64{maxPos, half})
	if err != nil {
		return nil, nil, err
	}
	sin, err := tensor.New(sinData, []int64{maxPos, half})
	if err != nil {
		return nil, nil, err
	}
	return cos, sin, nil
}

func (t *Transformer) NewCache(capacity int64) (*KVCache, error) {
	return NewKVCache(len(t.layers), t.heads, t.headDim, capacity)
}

func (t *Transformer) Forward(embeds *tensor.Tensor, positions []int64, cache *KVCache, bias *tensor.Tensor) (*tensor.Tensor, error) {
	if embeds == nil || cache == nil {
		return nil, fmt.Errorf("speech: transformer forward needs embeds and cache")
	}
	shape := embeds.Shape()
	if len(shape) != 3 || shape[0] != 1 || shape[2] != t.hidden {
		return nil, fmt.Errorf("speech: transformer input shape %v, want [1 t %d]", shape, t.hidden)
	}
	seq := shape[1]
	if int64(len(positions)) != seq {
		return nil, fmt.Errorf("speech: %d positions for %d tokens", len(positions), seq)
	}
	past := cache.Len()
	if positions[0] != past {
		return nil, fmt.Errorf("speech: first position %d does not match cache length %d", positions[0], past)
	}
	for i := 1; i < len(positions); i++ {
		if positions[i] != positions[i-1]+1 {
			return nil, fmt.Errorf("speech: positions must be contiguous, got %v", positions)
		}
	}
	if past+seq > cache.Cap() {
		return nil, fmt.Errorf("speech: forward over %d tokens exceeds cache capacity %d (len %d)", seq, cache.Cap(), past)
	}
	if bias != nil {
		bs := bias.Shape()
		if len(bs) != 4 || bs[3] != past+seq {
			return nil, fmt.Errorf("speech: attention bias shape %v, want [...,%d]", bs, past+seq)
		}
	}

	x := embeds
	for i, layer := range t.layers {
		var err error
		x, err = t.forwardLayer(layer, i, x, past, seq, cache, bias)
		if err != nil {
			return nil, fmt.Errorf("speech: transformer layer %d: %w", i, err)
		}
	}
	if err := cache.advance(seq); err != nil {
		return nil, err
	}
	return t.norm.Forward(x)
}

func (t *Transformer) forwardLayer(layer *transformerLayer, idx int, x *tensor.Tensor, past, seq int64, cache *KVCache, bias *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := layer.inputNorm.Forward(x)
	if err != nil {
		return nil, err
	}

	q, err := t.projectHeads(layer.qProj, h, seq)
	if err != nil {
		return nil, fmt.Errorf("q_proj: %w", err)
	}
	k, err := t.projectHeads(layer.kProj, h, seq)
	if err != nil {
		return nil, fmt.Errorf("k_proj: %w", err)
	}
	v, err := t.projectHeads(layer.vProj, h, seq)
	if err != nil {
		return nil, fmt.Errorf("v_proj: %w", err)
	}

	q, err = ops.RoPE(q, t.ropeCos, t.ropeSin, past)
	if err != nil {
		return nil, fmt.Errorf("rope q: %w", err)
	}
	k, err = ops.RoPE(k, t.ropeCos, t.ropeSin, past)
	if err != nil {
		return nil, fmt.Errorf("rope k: %w", err)
	}

	if err := cache.writeSpan(idx, past, k, v); err != nil {
		return nil, err
	}
	kAll, vAll, err := cache.view(idx, past+seq)
	if err != nil {
		return nil, err
	}

	var attn *tensor.Tensor
	if bias != nil {
		attn, err = ops.AttentionWithBias(q, kAll, vAll, bias)
	} else {
		attn, err = ops.Attention(q, kAll, vAll, true, past)
	}
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}

	attn, err = attn.Transpose(1, 2)
	if err != nil {
		return nil, err
	}
	attn, err = attn.Reshape([]int64{1, seq, t.hidden})
	if err != nil {
		return nil, err
	}
	attn, err = layer.oProj.Forward(attn)
	if err != nil {
		return nil, fmt.Errorf("o_proj: %w", err)
	}
	if err := addInto(attn, x); err != nil {
		return nil, err
	}
	x = attn

	h2, err := layer.postNorm.Forward(x)
	if err != nil {
		return nil, err
	}
	ff, err := swiGLU(layer, h2)
	if err != nil {
		return nil, err
	}
	if err := addInto(ff, x); err != nil {
		return nil, err
	}
	clampExtremes(ff)
	return ff, nil
}

// projectHeads applies a projection and reshapes [1,T,hidden] into
// [1,heads,T,headDim].
func (t *Transformer) projectHeads(proj *Linear, h *tensor.Tensor, seq int64) (*tensor.Tensor, error) {
	p, err := proj.Forward(h)
	if err != nil {
		return nil, err
	}
	p, err = p.Reshape([]int64{1, seq, t.heads, t.headDim})
	if err != nil {
		return nil, err
	}
	return p.Transpose(1, 2)
}

func swiGLU(layer *transformerLayer, x *tensor.Tensor) (*tensor.Tensor, error) {
	gate, err := layer.gateProj.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("gate_proj: %w", err)
	}
	up, err := layer.upProj.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("up_proj: %w", err)
	}
	gateData := gate.RawData()
	upData := up.Data()
	for i, g := range gateData {
		s := g / (1 + float32(math.Exp(float64(-g))))
		gateData[i] = s * upData[i]
	}
	out, err := layer.downProj.Forward(gate)
	if err != nil {
		return nil, fmt.Errorf("down_proj: %w", err)
	}
	return out, nil
}

// clampExtremes pulls overflowed activations back into float32 range.
func clampExtremes(x *tensor.Tensor) {
	data := x.RawData()
	for i, v := range data {
		if v > clampLimit {
			data[i] = clampLimit
		} else if v < -clampLimit {
			data[i] = -clampLimit
		}
	}
}
