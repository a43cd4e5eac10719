package speech

import (
	"fmt"
	"math"

	"github.com/example/go-streamtts/internal/runtime/ops"
	"github.com/example/go-streamtts/internal/runtime/tensor"
)

type conv1d struct {
	weight   *tensor.Tensor // [out, in/groups, k]
	bias     *tensor.Tensor // optional [out]
	stride   int64
	padding  int64
	dilation int64
	groups   int64
}

func loadConv1D(vb *VarBuilder, name string, stride, padding, dilation, groups int64, withBias bool) (*conv1d, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}
	if len(w.Shape()) != 3 {
		return nil, fmt.Errorf("speech: conv %q weight must be rank-3, got %v", name, w.Shape())
	}
	var b *tensor.Tensor
	if withBias {
		b, err = vb.Tensor(name + ".bias")
		if err != nil {
			return nil, err
		}
	}
	return &conv1d{weight: w, bias: b, stride: stride, padding: padding, dilation: dilation, groups: groups}, nil
}

func (c *conv1d) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.Conv1D(x, c.weight, c.bias, c.stride, c.padding, c.dilation, c.groups)
}

func geluErf(data []float32) {
	const invSqrt2 = 0.7071067811865476
	for i, v := range data {
		data[i] = float32(0.5 * float64(v) * (1 + math.Erf(float64(v)*invSqrt2)))
	}
}

// convNeXtBlock is a depthwise conv followed by a channel-wise MLP with a
// learned per-channel residual scale.
type convNeXtBlock struct {
	dwConv  *conv1d
	norm    *LayerNorm
	pwConv1 *Linear
	pwConv2 *Linear
	coef    *tensor.Tensor // [dim]
}

type LayerNorm struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Eps    float32
}

func loadLayerNorm(vb *VarBuilder, name string, eps float32) (*LayerNorm, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}
	b, err := vb.Tensor(name + ".bias")
	if err != nil {
		return nil, err
	}
	if len(w.Shape()) != 1 || len(b.Shape()) != 1 || w.Shape()[0] != b.Shape()[0] {
		return nil, fmt.Errorf("speech: layernorm %q invalid shapes weight=%v bias=%v", name, w.Shape(), b.Shape())
	}
	return &LayerNorm{Weight: w, Bias: b, Eps: eps}, nil
}

func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LayerNorm(x, ln.Weight, ln.Bias, ln.Eps)
}

func loadConvNeXtBlock(vb *VarBuilder, dim, kernel, dilation int64) (*convNeXtBlock, error) {
	dwConv, err := loadConv1D(vb, "dwconv", 1, dilation*(kernel/2), dilation, dim, true)
	if err != nil {
		return nil, err
	}
	norm, err := loadLayerNorm(vb, "norm", 1e-6)
	if err != nil {
		return nil, err
	}
	pwConv1, err := loadLinear(vb, "pwconv1", true)
	if err != nil {
		return nil, err
	}
	pwConv2, err := loadLinear(vb, "pwconv2", true)
	if err != nil {
		return nil, err
	}
	coef, err := vb.Tensor("coef", dim)
	if err != nil {
		return nil, err
	}
	return &convNeXtBlock{dwConv: dwConv, norm: norm, pwConv1: pwConv1, pwConv2: pwConv2, coef: coef}, nil
}

func (b *convNeXtBlock) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := b.dwConv.forward(x)
	if err != nil {
		return nil, fmt.Errorf("dwconv: %w", err)
	}
	y, err = y.Transpose(1, 2) // [1,C,T] -> [1,T,C]
	if err != nil {
		return nil, err
	}
	y, err = b.norm.Forward(y)
	if err != nil {
		return nil, fmt.Errorf("norm: %w", err)
	}
	y, err = b.pwConv1.Forward(y)
	if err != nil {
		return nil, fmt.Errorf("pwconv1: %w", err)
	}
	geluErf(y.RawData())
	y, err = b.pwConv2.Forward(y)
	if err != nil {
		return nil, fmt.Errorf("pwconv2: %w", err)
	}

	y, err = tensor.BroadcastMul(y, b.coef)
	if err != nil {
		return nil, fmt.Errorf("coef: %w", err)
	}

	y, err = y.Transpose(1, 2) // back to [1,C,T]
	if err != nil {
		return nil, err
	}
	return tensor.BroadcastAdd(y, x)
}

// convStack is the shared encoder/decoder trunk: a two-conv bottleneck in,
// a chain of ConvNeXt blocks, and a 1x1 projection out.
type convStack struct {
	convIn1 *conv1d
	convIn2 *conv1d
	blocks  []*convNeXtBlock
	convOut *conv1d
}

func loadConvStack(vb *VarBuilder, hidden int64, numBlocks int) (*convStack, error) {
	convIn1, err := loadConv1D(vb, "conv_in.0", 1, 1, 1, 1, true)
	if err != nil {
		return nil, err
	}
	convIn2, err := loadConv1D(vb, "conv_in.2", 1, 1, 1, 1, true)
	if err != nil {
		return nil, err
	}
	blocks := make([]*convNeXtBlock, numBlocks)
	for i := range blocks {
		block, err := loadConvNeXtBlock(vb.Path("decoder_block", fmt.Sprintf("%d", i)), hidden, 7, 2)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		blocks[i] = block
	}
	convOut, err := loadConv1D(vb, "conv_out", 1, 0, 1, 1, false)
	if err != nil {
		return nil, err
	}
	return &convStack{convIn1: convIn1, convIn2: convIn2, blocks: blocks, convOut: convOut}, nil
}

func (s *convStack) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := s.convIn1.forward(x)
	if err != nil {
		return nil, fmt.Errorf("conv_in.0: %w", err)
	}
	geluErf(y.RawData())
	y, err = s.convIn2.forward(y)
	if err != nil {
		return nil, fmt.Errorf("conv_in.2: %w", err)
	}
	for i, block := range s.blocks {
		y, err = block.forward(y)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	y, err = s.convOut.forward(y)
	if err != nil {
		return nil, fmt.Errorf("conv_out: %w", err)
	}
	return y, nil
}

// DVAE is the discrete codec between mel spectrograms and multi-codebook
// token rows. Encoding halves the frame rate through a strided conv;
// decoding doubles it back by interleaving the quantizer groups along
// time, so a sequence of T token rows reconstructs groups*T mel frames.
type DVAE struct {
	coef       *tensor.Tensor // [1, melBins, 1]
	downConv1  *conv1d
	downConv2  *conv1d
	encoder    *convStack
	decoder    *convStack
	outConv    *conv1d
	vq         *GroupedResidualFSQ
	melBins    int64
	featureDim int64
	groups     int64
}

// dvaeArch fixes the codec layout. The checkpoint architecture never
// varies in practice; the struct exists so small configurations can be
// loaded in tests.
type dvaeArch struct {
	featureDim int64
	hidden     int64
	blocks     int
	groups     int
	residuals  int
	levels     []int64
}

func defaultDVAEArch() dvaeArch {
	return dvaeArch{
		featureDim: 1024,
		hidden:     256,
		blocks:     12,
		groups:     2,
		residuals:  2,
		levels:     []int64{5, 5, 5, 5},
	}
}

func loadDVAE(vb *VarBuilder, melBins int64) (*DVAE, error) {
	return loadDVAEArch(vb, melBins, defaultDVAEArch())
}

func loadDVAEArch(vb *VarBuilder, melBins int64, arch dvaeArch) (*DVAE, error) {
	coef, err := vb.Tensor("coef", 1, melBins, 1)
	if err != nil {
		return nil, err
	}
	downConv1, err := loadConv1D(vb, "downsample_conv.0", 1, 1, 1, 1, true)
	if err != nil {
		return nil, err
	}
	downConv2, err := loadConv1D(vb, "downsample_conv.2", 2, 1, 1, 1, true)
	if err != nil {
		return nil, err
	}
	encoder, err := loadConvStack(vb.Path("encoder"), arch.hidden, arch.blocks)
	if err != nil {
		return nil, fmt.Errorf("speech: dvae encoder: %w", err)
	}
	decoder, err := loadConvStack(vb.Path("decoder"), arch.hidden, arch.blocks)
	if err != nil {
		return nil, fmt.Errorf("speech: dvae decoder: %w", err)
	}
	outConv, err := loadConv1D(vb, "out_conv", 1, 1, 1, 1, false)
	if err != nil {
		return nil, err
	}
	vq, err := loadGroupedResidualFSQ(vb.Path("vq_layer", "quantizer"), arch.featureDim, arch.levels, arch.residuals, arch.groups)
	if err != nil {
		return nil, fmt.Errorf("speech: dvae quantizer: %w", err)
	}
	return &DVAE{
		coef:       coef,
		downConv1:  downConv1,
		downConv2:  downConv2,
		encoder:    encoder,
		decoder:    decoder,
		outConv:    outConv,
		vq:         vq,
		melBins:    melBins,
		featureDim: arch.featureDim,
		groups:     int64(arch.groups),
	}, nil
}

func (d *DVAE) NumVQ() int { return d.vq.NumVQ() }

// Encode quantizes a mel spectrogram [1, melBins, T] into token rows, one
// row of NumVQ indices per downsampled frame.
func (d *DVAE) Encode(mel *tensor.Tensor) (*CodeSequence, error) {
	shape := mel.Shape()
	if len(shape) != 3 || shape[0] != 1 || shape[1] != d.melBins {
		return nil, fmt.Errorf("speech: dvae encode input shape %v, want [1 %d t]", shape, d.melBins)
	}

	x := mel.Clone()
	coef := d.coef.Data()
	data := x.RawData()
	frames := shape[2]
	for c := int64(0); c < d.melBins; c++ {
		scale := coef[c]
		row := data[c*frames : (c+1)*frames]
		for i := range row {
			row[i] /= scale
		}
	}

	y, err := d.downConv1.forward(x)
	if err != nil {
		return nil, fmt.Errorf("speech: dvae downsample conv 0: %w", err)
	}
	geluErf(y.RawData())
	y, err = d.downConv2.forward(y)
	if err != nil {
		return nil, fmt.Errorf("speech: dvae downsample conv 2: %w", err)
	}
	geluErf(y.RawData())

	feats, err := d.encoder.forward(y)
	if err != nil {
		return nil, fmt.Errorf("speech: dvae encoder: %w", err)
	}

	fs := feats.Shape() // [1, featureDim, T']
	t := fs[2]
	seq, err := NewCodeSequence(d.vq.NumVQ(), int(t))
	if err != nil {
		return nil, err
	}
	fData := feats.Data()
	frame := make([]float32, d.featureDim)
	for ti := int64(0); ti < t; ti++ {
		for c := int64(0); c < d.featureDim; c++ {
			frame[c] = fData[c*t+ti]
		}
		indices, err := d.vq.QuantizeFrame(frame)
		if err != nil {
			return nil, fmt.Errorf("speech: dvae frame %d: %w", ti, err)
		}
		if err := seq.Append(indices); err != nil {
			return nil, err
		}
	}
	return seq, nil
}

// Decode reconstructs a mel spectrogram [1, melBins, groups*len] from
// token rows.
func (d *DVAE) Decode(seq *CodeSequence) (*tensor.Tensor, error) {
	if seq == nil || seq.Len() == 0 {
		return nil, fmt.Errorf("speech: dvae decode needs a non-empty sequence")
	}
	if seq.NumVQ() != d.vq.NumVQ() {
		return nil, fmt.Errorf("speech: dvae decode got %d codebooks, want %d", seq.NumVQ(), d.vq.NumVQ())
	}

	t := int64(seq.Len())
	feats := make([]float32, d.featureDim*t)
	frame := make([]float32, d.featureDim)
	for ti := int64(0); ti < t; ti++ {
		row, err := seq.Row(int(ti))
		if err != nil {
			return nil, err
		}
		if err := d.vq.OutputFrame(row, frame); err != nil {
			return nil, fmt.Errorf("speech: dvae frame %d: %w", ti, err)
		}
		for c := int64(0); c < d.featureDim; c++ {
			feats[c*t+ti] = frame[c]
		}
	}

	// Interleave the quantizer groups along time:
	// [1, groups, groupDim, T] -> [1, groupDim, groups*T].
	groupDim := d.featureDim / d.groups
	interleaved := make([]float32, d.featureDim*t)
	for c := int64(0); c < groupDim; c++ {
		for ti := int64(0); ti < t; ti++ {
			for g := int64(0); g < d.groups; g++ {
				src := (g*groupDim+c)*t + ti
				dst := c*(d.groups*t) + ti*d.groups + g
				interleaved[dst] = feats[src]
			}
		}
	}
	x, err := tensor.New(interleaved, []int64{1, groupDim, d.groups * t})
	if err != nil {
		return nil, err
	}

	y, err := d.decoder.forward(x)
	if err != nil {
		return nil, fmt.Errorf("speech: dvae decoder: %w", err)
	}
	mel, err := d.outConv.forward(y)
	if err != nil {
		return nil, fmt.Errorf("speech: dvae out conv: %w", err)
	}

	// coef is [1, melBins, 1]; broadcasting rescales each mel channel.
	mel, err = tensor.BroadcastMul(mel, d.coef)
	if err != nil {
		return nil, fmt.Errorf("speech: dvae coef scale: %w", err)
	}
	return mel, nil
}

// DecodeBatch decodes several sequences independently.
func (d *DVAE) DecodeBatch(seqs []*CodeSequence) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(seqs))
	for i, seq := range seqs {
		mel, err := d.Decode(seq)
		if err != nil {
			return nil, fmt.Errorf("speech: dvae batch item %d: %w", i, err)
		}
		out[i] = mel
	}
	return out, nil
}
