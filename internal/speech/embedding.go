package speech

import (
	"fmt"
	"math"

	"github.com/example/go-streamtts/internal/runtime/tensor"
)

// Projector maps speaker hidden states from the language-model width down
// to the decoder width. Checkpoints carry either a two-layer MLP with a
// ReLU between (linear1/linear2) or a single bias-free linear.
type Projector struct {
	linear1 *Linear
	linear2 *Linear // nil for the single-linear variant
}

func loadProjector(vb *VarBuilder, name string, useMLP bool) (*Projector, error) {
	if !useMLP {
		l, err := loadLinear(vb, name, false)
		if err != nil {
			return nil, err
		}
		return &Projector{linear1: l}, nil
	}

	l1, err := loadLinear(vb, name+".linear1", true)
	if err != nil {
		return nil, err
	}
	l2, err := loadLinear(vb, name+".linear2", true)
	if err != nil {
		return nil, err
	}
	return &Projector{linear1: l1, linear2: l2}, nil
}

func (p *Projector) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := p.linear1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("speech: projector linear1: %w", err)
	}
	if p.linear2 == nil {
		return h, nil
	}
	data := h.RawData()
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
	out, err := p.linear2.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("speech: projector linear2: %w", err)
	}
	return out, nil
}

// normalizeRows L2-normalizes the last dimension in place.
func normalizeRows(t *tensor.Tensor) {
	shape := t.Shape()
	dim := shape[len(shape)-1]
	data := t.RawData()
	rows := int64(len(data)) / dim
	for r := int64(0); r < rows; r++ {
		row := data[r*dim : (r+1)*dim]
		var sumSq float64
		for _, v := range row {
			sumSq += float64(v) * float64(v)
		}
		if sumSq == 0 {
			continue
		}
		inv := float32(1 / math.Sqrt(sumSq))
		for i := range row {
			row[i] *= inv
		}
	}
}

// spliceSpeakerEmbedding overwrites the embedding rows at speaker
// placeholder positions with projected speaker vectors, in place. The
// token stream must contain exactly numSpk placeholders; spk has shape
// [1, numSpk, dim].
func spliceSpeakerEmbedding(embeds *tensor.Tensor, ids []int64, spkTokenID int64, spk *tensor.Tensor, numSpk int64) error {
	shape := embeds.Shape()
	if len(shape) != 3 || shape[0] != 1 || shape[1] != int64(len(ids)) {
		return fmt.Errorf("speech: splice embeds shape %v, want [1 %d dim]", shape, len(ids))
	}
	spkShape := spk.Shape()
	if len(spkShape) != 3 || spkShape[0] != 1 || spkShape[1] != numSpk || spkShape[2] != shape[2] {
		return fmt.Errorf("speech: speaker embedding shape %v, want [1 %d %d]", spkShape, numSpk, shape[2])
	}

	var positions []int64
	for i, id := range ids {
		if id == spkTokenID {
			positions = append(positions, int64(i))
		}
	}
	if int64(len(positions)) != numSpk {
		return fmt.Errorf("speech: found %d speaker placeholders, want %d", len(positions), numSpk)
	}

	dim := shape[2]
	dst := embeds.RawData()
	src := spk.Data()
	for n, pos := range positions {
		copy(dst[pos*dim:(pos+1)*dim], src[int64(n)*dim:int64(n+1)*dim])
	}
	return nil
}

// codeSumEmbeds embeds each multi-codebook row with its per-codebook table
// and sums across codebooks, returning [1, len(rows), dim].
func codeSumEmbeds(embCode []*Embedding, rows [][]int64) (*tensor.Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("speech: code embedding needs at least one row")
	}
	numVQ := len(embCode)

	var sum *tensor.Tensor
	ids := make([]int64, len(rows))
	for vq := 0; vq < numVQ; vq++ {
		for i, row := range rows {
			if len(row) != numVQ {
				return nil, fmt.Errorf("speech: code row %d has %d entries, want %d", i, len(row), numVQ)
			}
			ids[i] = row[vq]
		}
		emb, err := embCode[vq].Forward(ids)
		if err != nil {
			return nil, fmt.Errorf("speech: codebook %d: %w", vq, err)
		}
		if sum == nil {
			sum = emb
			continue
		}
		if err := addInto(sum, emb); err != nil {
			return nil, err
		}
	}
	return sum, nil
}
