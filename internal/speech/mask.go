package speech

import (
	"fmt"
	"math"

	"github.com/example/go-streamtts/internal/runtime/tensor"
)

var negInf = float32(math.Inf(-1))

// TextMask tracks which positions of the reserved text region hold real
// text tokens. Positions are revealed as a growing prefix while the caller
// streams text in; unrevealed positions stay invisible to attention no
// matter what the chunk schedule would otherwise allow.
type TextMask struct {
	visible []bool
	filled  int64
}

func NewTextMask(reservedLen int64) (*TextMask, error) {
	if reservedLen <= 0 {
		return nil, fmt.Errorf("speech: text mask needs reservedLen > 0, got %d", reservedLen)
	}
	return &TextMask{visible: make([]bool, reservedLen)}, nil
}

func (m *TextMask) Len() int64    { return int64(len(m.visible)) }
func (m *TextMask) Filled() int64 { return m.filled }

// Reveal marks the first n reserved positions as holding real text. The
// revealed prefix only grows; calling with a smaller n is an error.
func (m *TextMask) Reveal(n int64) error {
	if n < m.filled || n > int64(len(m.visible)) {
		return fmt.Errorf("speech: reveal %d outside [%d,%d]", n, m.filled, len(m.visible))
	}
	for i := m.filled; i < n; i++ {
		m.visible[i] = true
	}
	m.filled = n
	return nil
}

func (m *TextMask) Visible(i int64) bool {
	if i < 0 || i >= int64(len(m.visible)) {
		return false
	}
	return m.visible[i]
}

// MaskSpec carries the sequence-layout constants the chunk mask depends on.
// The conditioning prefix is [bos][spkOffset speaker slots][reservedLen
// text slots][audio-bos]; everything after it is audio.
type MaskSpec struct {
	ReservedLen int64
	TextChunk   int64
	AudioChunk  int64
	SpkOffset   int64
}

func (s MaskSpec) conditionLength() int64 {
	return 1 + s.SpkOffset + s.ReservedLen + 1
}

// StreamingMask builds the additive attention bias for a forward pass over
// newTokens positions with pastSeen tokens already cached. The returned
// tensor has shape [1, 1, 1, pastSeen+newTokens]: a single row that every
// query position shares, since all queries of one audio chunk see the same
// text prefix.
//
// The number of revealed text chunks follows the audio clock: after every
// AudioChunk generated audio tokens another TextChunk text positions become
// visible. Positions past the revealed prefix, up to and including the
// audio-bos slot, are hidden; the text mask then hides reserved positions
// that never received real text. Audio positions are always visible.
func StreamingMask(spec MaskSpec, pastSeen, newTokens int64, text *TextMask) (*tensor.Tensor, error) {
	if spec.ReservedLen <= 0 || spec.TextChunk <= 0 || spec.AudioChunk <= 0 || spec.SpkOffset < 0 {
		return nil, fmt.Errorf("speech: invalid mask spec %+v", spec)
	}
	if pastSeen < 0 || newTokens <= 0 {
		return nil, fmt.Errorf("speech: mask needs pastSeen >= 0 and newTokens > 0, got %d and %d", pastSeen, newTokens)
	}
	if text == nil {
		return nil, fmt.Errorf("speech: mask needs a text mask")
	}
	if text.Len() != spec.ReservedLen {
		return nil, fmt.Errorf("speech: text mask length %d, want reserved length %d", text.Len(), spec.ReservedLen)
	}

	total := pastSeen + newTokens
	row := make([]float32, total)

	elapsed := pastSeen - spec.ReservedLen
	var revealed int64
	if elapsed > 0 {
		chunks := (elapsed + spec.AudioChunk - 1) / spec.AudioChunk
		revealed = chunks * spec.TextChunk
	}
	if revealed > spec.ReservedLen {
		revealed = spec.ReservedLen
	}

	invisibleStart := revealed + 1 + spec.SpkOffset
	invisibleEnd := spec.ReservedLen + 1 + spec.SpkOffset + 1
	for i := invisibleStart; i < invisibleEnd && i < total; i++ {
		row[i] = negInf
	}

	for i := int64(0); i < spec.ReservedLen; i++ {
		pos := 1 + spec.SpkOffset + i
		if pos >= total {
			break
		}
		if !text.Visible(i) {
			row[pos] = negInf
		}
	}

	return tensor.New(row, []int64{1, 1, 1, total})
}
