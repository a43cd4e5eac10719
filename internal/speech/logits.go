package speech

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// TransformKind tags the variants of LogitTransform.
type TransformKind int

const (
	TransformRepetitionPenalty TransformKind = iota
	TransformTopK
	TransformTopP
)

// LogitTransform is one step of the sampling pipeline, applied in place to
// a single codebook's logit row. The pipeline is data, not behavior: a
// slice of transforms is interpreted in order, so the full sampling recipe
// is inspectable and testable without chasing interface implementations.
type LogitTransform struct {
	Kind TransformKind

	// Repetition penalty fields.
	Penalty    float32
	VocabLimit int64 // tokens >= VocabLimit are never penalized
	Window     int   // trailing history rows counted

	// Top-k / top-p fields.
	K       int
	P       float32
	MinKeep int
}

func RepetitionPenalty(penalty float32, vocabLimit int64, window int) (LogitTransform, error) {
	if penalty <= 0 {
		return LogitTransform{}, fmt.Errorf("speech: repetition penalty must be > 0, got %g", penalty)
	}
	if window <= 0 {
		return LogitTransform{}, fmt.Errorf("speech: repetition penalty window must be > 0, got %d", window)
	}
	return LogitTransform{
		Kind:       TransformRepetitionPenalty,
		Penalty:    penalty,
		VocabLimit: vocabLimit,
		Window:     window,
	}, nil
}

func TopK(k, minKeep int) (LogitTransform, error) {
	if k <= 0 {
		return LogitTransform{}, fmt.Errorf("speech: top-k must be > 0, got %d", k)
	}
	return LogitTransform{Kind: TransformTopK, K: k, MinKeep: minKeep}, nil
}

func TopP(p float32, minKeep int) (LogitTransform, error) {
	if p <= 0 || p > 1 {
		return LogitTransform{}, fmt.Errorf("speech: top-p must be in (0,1], got %g", p)
	}
	return LogitTransform{Kind: TransformTopP, P: p, MinKeep: minKeep}, nil
}

// DefaultTransforms builds the standard sampling pipeline: repetition
// penalty over a 16-row window (omitted at the neutral penalty 1.0), then
// nucleus filtering, then top-k, each keeping at least 3 candidates.
func DefaultTransforms(topP float32, topK int, penalty float32, numAudioTokens int64) ([]LogitTransform, error) {
	var out []LogitTransform
	if penalty != 1 {
		rp, err := RepetitionPenalty(penalty, numAudioTokens, 16)
		if err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	tp, err := TopP(topP, 3)
	if err != nil {
		return nil, err
	}
	out = append(out, tp)
	tk, err := TopK(topK, 3)
	if err != nil {
		return nil, err
	}
	return append(out, tk), nil
}

// applyTransforms runs the pipeline over each codebook row. history[vq]
// holds the tokens already generated for codebook vq, oldest first.
func applyTransforms(transforms []LogitTransform, history [][]int64, logits [][]float32) error {
	for vq, row := range logits {
		for _, t := range transforms {
			switch t.Kind {
			case TransformRepetitionPenalty:
				if vq >= len(history) {
					return fmt.Errorf("speech: no history for codebook %d", vq)
				}
				applyRepetitionPenalty(t, history[vq], row)
			case TransformTopK:
				applyTopK(t, row)
			case TransformTopP:
				applyTopP(t, row)
			default:
				return fmt.Errorf("speech: unknown logit transform kind %d", t.Kind)
			}
		}
	}
	return nil
}

// applyRepetitionPenalty scales the logit of every token seen in the
// trailing window. Negative logits are multiplied by penalty^count and
// non-negative ones divided, so penalty > 1 always pushes repeats down.
func applyRepetitionPenalty(t LogitTransform, history []int64, row []float32) {
	if len(history) > t.Window {
		history = history[len(history)-t.Window:]
	}
	counts := make(map[int64]int, len(history))
	for _, tok := range history {
		// VocabLimit excludes out-of-range ids from the count instead of
		// capping a one-hot frequency table the way a flattened-batch
		// implementation would. With the limit covering the full audio
		// vocab the two readings penalize the same tokens.
		if tok < 0 || tok >= int64(len(row)) || tok >= t.VocabLimit {
			continue
		}
		counts[tok]++
	}
	for tok, n := range counts {
		alpha := float32(math.Pow(float64(t.Penalty), float64(n)))
		if row[tok] < 0 {
			row[tok] *= alpha
		} else {
			row[tok] /= alpha
		}
	}
}

// applyTopK masks every logit strictly below the k-th largest value.
func applyTopK(t LogitTransform, row []float32) {
	k := t.K
	if t.MinKeep > k {
		k = t.MinKeep
	}
	if k >= len(row) {
		return
	}
	sorted := make([]float32, len(row))
	copy(sorted, row)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	threshold := sorted[k-1]
	for i, v := range row {
		if v < threshold {
			row[i] = negInf
		}
	}
}

// applyTopP keeps the smallest set of tokens whose probabilities sum to at
// least P. Candidates are walked in ascending logit order and dropped while
// the cumulative probability stays at or below 1-P, keeping at least
// MinKeep of the highest-probability tokens.
func applyTopP(t LogitTransform, row []float32) {
	n := len(row)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return row[idx[a]] < row[idx[b]] })

	probs := make([]float64, n)
	maxLogit := row[idx[n-1]]
	var sum float64
	for i, j := range idx {
		p := math.Exp(float64(row[j] - maxLogit))
		probs[i] = p
		sum += p
	}

	keepFrom := n - t.MinKeep
	if keepFrom < 0 {
		keepFrom = 0
	}
	var cum float64
	for i := 0; i < n; i++ {
		cum += probs[i] / sum
		if cum <= float64(1-t.P) && i < keepFrom {
			row[idx[i]] = negInf
		}
	}
}

// softmaxInPlace normalizes one logit row to probabilities.
func softmaxInPlace(row []float32) {
	maxVal := negInf
	for _, v := range row {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i, v := range row {
		e := math.Exp(float64(v - maxVal))
		row[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range row {
		row[i] *= inv
	}
}

// sampleRow draws one token index from a probability row.
func sampleRow(probs []float32, rng *rand.Rand) int64 {
	r := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += float64(p)
		if r < cum {
			return int64(i)
		}
	}
	return int64(len(probs) - 1)
}
