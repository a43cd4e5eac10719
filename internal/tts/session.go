// Package tts drives streaming speech synthesis sessions: text token
// spans stream in while audio code chunks stream out, with the decoder
// cache rebuilt whenever new text lands in the reserved region.
package tts

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/example/go-streamtts/internal/runtime/tensor"
	"github.com/example/go-streamtts/internal/speech"
)

// SessionOptions configures one synthesis session.
type SessionOptions struct {
	// SpeakerEmbedding holds raw speaker hidden states [1, numSpkEmbs,
	// llmDim]. Required when the model conditions on a speaker.
	SpeakerEmbedding *tensor.Tensor

	// BosTokenID is the text token placed at position zero.
	BosTokenID int64

	// Temperature per codebook, one broadcast value, or nil for 1.0.
	Temperature []float32

	MinNewTokens int

	// Progress renders a console progress bar while chunks decode.
	Progress bool

	// RNG for sampling; nil seeds from the clock.
	RNG *rand.Rand
}

// ChunkResult reports one GenerateChunk call.
type ChunkResult struct {
	// Rows holds only the audio code rows produced by this call.
	Rows [][]int64

	// Finished is set once the decoder sampled the end-of-audio token.
	Finished bool
}

// Session owns the decoding state for one utterance. Text arrives through
// WriteText in any number of spans; GenerateChunk produces the next run of
// audio code rows. Writing text after generation started is allowed: the
// cache is rebuilt from the full text and the already-generated rows
// before the next chunk. All methods are safe for concurrent use.
type Session struct {
	id     string
	dec    *speech.Decoder
	cfg    speech.Config
	opts   SessionOptions
	logger *slog.Logger

	mu         sync.Mutex
	textTokens []int64
	textDone   bool
	dirty      bool
	finished   bool

	cache *speech.KVCache
	seq   *speech.CodeSequence
	text  *speech.TextMask
}

// NewSession creates a session for the given decoder. The decoder is
// shared between sessions; each session carries its own cache.
func NewSession(dec *speech.Decoder, logger *slog.Logger, opts SessionOptions) (*Session, error) {
	if dec == nil {
		return nil, fmt.Errorf("tts: session needs a decoder")
	}
	cfg := dec.Config()
	if cfg.UseSpeakerEmbedding && opts.SpeakerEmbedding == nil {
		return nil, fmt.Errorf("tts: model conditions on a speaker, set SpeakerEmbedding")
	}
	if !cfg.UseSpeakerEmbedding && opts.SpeakerEmbedding != nil {
		return nil, fmt.Errorf("tts: speaker embedding set but the model does not use one")
	}
	if opts.BosTokenID < 0 || opts.BosTokenID >= cfg.NumTextTokens {
		return nil, fmt.Errorf("tts: bos token %d outside text vocab %d", opts.BosTokenID, cfg.NumTextTokens)
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:     id,
		dec:    dec,
		cfg:    cfg,
		opts:   opts,
		logger: logger.With("session", id),
		dirty:  true,
	}, nil
}

func (s *Session) ID() string { return s.id }

// WriteText appends text tokens to the reserved region.
func (s *Session) WriteText(tokens []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return fmt.Errorf("tts: session already finished")
	}
	if s.textDone {
		return fmt.Errorf("tts: text stream already closed")
	}
	if len(tokens) == 0 {
		return fmt.Errorf("tts: empty text span")
	}
	if int64(len(s.textTokens)+len(tokens)) > s.cfg.StreamingTextReservedLen {
		return fmt.Errorf("tts: %d text tokens exceed reserved region of %d",
			len(s.textTokens)+len(tokens), s.cfg.StreamingTextReservedLen)
	}
	for _, tok := range tokens {
		if tok < 0 || tok >= s.cfg.NumTextTokens {
			return fmt.Errorf("tts: text token %d outside vocab %d", tok, s.cfg.NumTextTokens)
		}
	}
	s.textTokens = append(s.textTokens, tokens...)
	s.dirty = true
	return nil
}

// CloseText marks the text stream complete. Generation may then stop on
// its own once the end-of-audio token is sampled.
func (s *Session) CloseText() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.textDone = true
}

// TextLen reports how many text tokens have been written.
func (s *Session) TextLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.textTokens)
}

// Finished reports whether the decoder sampled the end-of-audio token.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Rows returns all audio code rows generated so far, without the
// end-of-audio row.
func (s *Session) Rows() ([][]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generatedRowsLocked()
}

func (s *Session) generatedRowsLocked() ([][]int64, error) {
	if s.seq == nil {
		return nil, nil
	}
	end := s.seq.Len()
	if s.finished && end > int(s.cfg.ConditionLength()) {
		end--
	}
	return s.seq.Rows(int(s.cfg.ConditionLength()), end)
}

// GenerateChunk produces up to maxNew audio code rows. While the text
// stream is open, generation is forced to keep going so a pause in text
// delivery cannot end the utterance early.
func (s *Session) GenerateChunk(maxNew int) (*ChunkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return nil, fmt.Errorf("tts: session already finished")
	}
	if len(s.textTokens) == 0 {
		return nil, fmt.Errorf("tts: no text written yet")
	}
	if maxNew <= 0 {
		return nil, fmt.Errorf("tts: chunk size must be > 0, got %d", maxNew)
	}

	if s.dirty {
		if err := s.rebuildLocked(); err != nil {
			return nil, err
		}
	}

	before := s.seq.Len()
	res, err := s.dec.Generate(s.seq, s.cache, s.text, speech.GenerateParams{
		EOSToken:     s.cfg.NumAudioTokens - 1,
		Temperature:  s.opts.Temperature,
		MinNewTokens: s.opts.MinNewTokens,
		MaxNewTokens: maxNew,
		ForceNoStop:  !s.textDone,
		Progress:     s.opts.Progress,
		RNG:          s.opts.RNG,
	})
	if err != nil {
		return nil, err
	}
	s.finished = res.Finished

	// An end-of-audio sampled on the very first step leaves the sequence
	// untouched, so this call may add nothing at all.
	offset := before - int(s.cfg.ConditionLength())
	if offset > len(res.NewRows) {
		offset = len(res.NewRows)
	}
	rows := res.NewRows[offset:]
	s.logger.Debug("generated audio chunk",
		"rows", len(rows), "total", len(res.NewRows), "finished", res.Finished)
	return &ChunkResult{Rows: rows, Finished: res.Finished}, nil
}

// rebuildLocked reseeds the cache: the conditioning prefix with all text
// received so far, then the audio rows generated before the rebuild. The
// last generated row stays out of the cache so Generate feeds it next.
func (s *Session) rebuildLocked() error {
	rows, err := s.generatedRowsLocked()
	if err != nil {
		return err
	}

	cache, err := s.dec.NewCache()
	if err != nil {
		return err
	}

	ids := make([]int64, 0, 1+s.cfg.SpkOffset()+s.cfg.StreamingTextReservedLen)
	ids = append(ids, s.opts.BosTokenID)
	for i := int64(0); i < s.cfg.SpkOffset(); i++ {
		ids = append(ids, s.cfg.SpkEmbTokenID)
	}
	ids = append(ids, s.textTokens...)
	for int64(len(ids)) < 1+s.cfg.SpkOffset()+s.cfg.StreamingTextReservedLen {
		ids = append(ids, s.cfg.TextEosTokenID)
	}
	positions := make([]int64, len(ids))
	for i := range positions {
		positions[i] = int64(i)
	}
	if err := s.dec.PrefillText(ids, positions, cache, s.opts.SpeakerEmbedding); err != nil {
		return err
	}

	text, err := speech.NewTextMask(s.cfg.StreamingTextReservedLen)
	if err != nil {
		return err
	}
	if err := text.Reveal(int64(len(s.textTokens))); err != nil {
		return err
	}

	if len(rows) > 0 {
		if err := s.dec.PrefillAudioIDs(rows[:len(rows)-1], cache, text, true); err != nil {
			return err
		}
	}

	if s.seq == nil {
		seq, err := speech.NewCodeSequence(s.cfg.NumVQ, int(s.cfg.ConditionLength())+64)
		if err != nil {
			return err
		}
		for i := int64(0); i < s.cfg.ConditionLength(); i++ {
			if err := seq.Append(make([]int64, s.cfg.NumVQ)); err != nil {
				return err
			}
		}
		s.seq = seq
	}

	s.cache = cache
	s.text = text
	s.dirty = false
	s.logger.Debug("session cache rebuilt",
		"text_tokens", len(s.textTokens), "audio_rows", len(rows), "cache_len", cache.Len())
	return nil
}
