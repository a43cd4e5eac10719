package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/go-streamtts/internal/config"
	"github.com/example/go-streamtts/internal/onnx"
	"github.com/example/go-streamtts/internal/runtime/ops"
	"github.com/example/go-streamtts/internal/runtime/tensor"
	"github.com/example/go-streamtts/internal/speech"
)

// Service owns the loaded model and hands out synthesis sessions.
type Service struct {
	model  *speech.Model
	voices *VoiceManager
	voc    Vocoder
	cfg    config.Config
	logger *slog.Logger
}

func NewService(cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ops.SetConvWorkers(cfg.Decoder.ConvWorkers)

	start := time.Now()
	model, err := speech.LoadModel(cfg.Paths.ModelPath, cfg.SpeechConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("tts: load model: %w", err)
	}
	logger.Info("model loaded",
		"path", cfg.Paths.ModelPath,
		"codec", model.Codec != nil,
		"ms", time.Since(start).Milliseconds(),
	)

	var voices *VoiceManager
	if cfg.Paths.VoiceManifest != "" {
		voices, err = NewVoiceManager(cfg.Paths.VoiceManifest)
		if err != nil {
			return nil, err
		}
	}

	backend, err := config.NormalizeVocoderBackend(cfg.Vocoder.Backend)
	if err != nil {
		return nil, err
	}
	var voc Vocoder
	if backend == config.BackendONNX {
		voc, err = onnx.NewVocoder(onnx.VocoderConfig{
			ModelPath:   cfg.Vocoder.ModelPath,
			MelInput:    cfg.Vocoder.MelInput,
			AudioOutput: cfg.Vocoder.AudioOutput,
			SampleRate:  cfg.Vocoder.SampleRate,
			Runner:      onnx.RunnerConfig{LibraryPath: cfg.Vocoder.ORTLibraryPath},
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("tts: vocoder: %w", err)
		}
	}

	return &Service{
		model:  model,
		voices: voices,
		voc:    voc,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// NewServiceFromModel wraps an already-loaded model. No voice manifest or
// vocoder is attached.
func NewServiceFromModel(model *speech.Model, cfg config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{model: model, cfg: cfg, logger: logger}
}

func (s *Service) Close() {
	if s.voc != nil {
		s.voc.Close()
	}
}

func (s *Service) Config() config.Config       { return s.cfg }
func (s *Service) SpeechConfig() speech.Config { return s.model.Config() }
func (s *Service) Voices() *VoiceManager       { return s.voices }
func (s *Service) HasVocoder() bool            { return s.voc != nil }
func (s *Service) SampleRate() int {
	if s.voc != nil {
		return s.voc.SampleRate()
	}
	return s.cfg.Vocoder.SampleRate
}

// NewSession opens a streaming session, resolving voiceID through the
// manifest when the model conditions on a speaker. An empty voiceID with
// speaker conditioning enabled is an error.
func (s *Service) NewSession(voiceID string) (*Session, error) {
	var spk *tensor.Tensor
	if s.model.Config().UseSpeakerEmbedding {
		if s.voices == nil {
			return nil, fmt.Errorf("tts: no voice manifest configured")
		}
		if voiceID == "" {
			return nil, fmt.Errorf("tts: voice id is required")
		}
		var err error
		spk, err = s.voices.SpeakerEmbedding(voiceID, s.model.Config())
		if err != nil {
			return nil, err
		}
	}

	var temp []float32
	if s.cfg.Decoder.Temperature > 0 && s.cfg.Decoder.Temperature != 1 {
		temp = []float32{float32(s.cfg.Decoder.Temperature)}
	}
	return NewSession(s.model.Decoder, s.logger, SessionOptions{
		SpeakerEmbedding: spk,
		BosTokenID:       s.cfg.Decoder.BosTokenID,
		Temperature:      temp,
		MinNewTokens:     s.cfg.Decoder.MinNewTokens,
		Progress:         s.cfg.Decoder.Progress,
	})
}

// DecodeRows turns audio code rows into a mel spectrogram through the
// model codec.
func (s *Service) DecodeRows(rows [][]int64) (*tensor.Tensor, error) {
	if s.model.Codec == nil {
		return nil, fmt.Errorf("tts: checkpoint has no codec")
	}
	seq, err := speech.CodeSequenceFromRows(rows, s.model.Config().NumVQ)
	if err != nil {
		return nil, err
	}
	return s.model.Codec.Decode(seq)
}

// Waveform runs the vocoder over a mel spectrogram.
func (s *Service) Waveform(ctx context.Context, mel *tensor.Tensor) ([]float32, error) {
	if s.voc == nil {
		return nil, fmt.Errorf("tts: no vocoder configured, only mel output is available")
	}
	return s.voc.Synthesize(ctx, mel)
}

// GenerateCodes runs a whole utterance in one call and returns the raw
// audio code rows: all text at once, then generation chunk by chunk
// until the decoder stops.
func (s *Service) GenerateCodes(ctx context.Context, tokens []int64, voiceID string) ([][]int64, error) {
	session, err := s.NewSession(voiceID)
	if err != nil {
		return nil, err
	}
	if err := session.WriteText(tokens); err != nil {
		return nil, err
	}
	session.CloseText()

	chunk := s.cfg.Decoder.ChunkSize
	if chunk <= 0 {
		chunk = int(s.model.Config().StreamingAudioChunkSize)
	}
	budget := int(s.model.Config().MaxPositionEmbeddings - s.model.Config().ConditionLength())

	start := time.Now()
	for generated := 0; generated < budget; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := session.GenerateChunk(chunk)
		if err != nil {
			return nil, err
		}
		generated += len(res.Rows)
		if res.Finished {
			break
		}
		// GenerateChunk yields an empty chunk only on the finishing call.
		// An empty unfinished chunk would loop forever, so bail out.
		if len(res.Rows) == 0 {
			return nil, fmt.Errorf("tts: generation stalled after %d rows", generated)
		}
	}

	rows, err := session.Rows()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("tts: no audio produced")
	}
	s.logger.Info("utterance generated",
		"text_tokens", len(tokens),
		"audio_rows", len(rows),
		"finished", session.Finished(),
		"ms", time.Since(start).Milliseconds(),
	)
	return rows, nil
}

// SynthesizeMel generates a whole utterance and decodes it through the
// model codec into a mel spectrogram.
func (s *Service) SynthesizeMel(ctx context.Context, tokens []int64, voiceID string) (*tensor.Tensor, error) {
	rows, err := s.GenerateCodes(ctx, tokens, voiceID)
	if err != nil {
		return nil, err
	}
	return s.DecodeRows(rows)
}

// Synthesize produces PCM samples for a whole utterance.
func (s *Service) Synthesize(ctx context.Context, tokens []int64, voiceID string) ([]float32, error) {
	mel, err := s.SynthesizeMel(ctx, tokens, voiceID)
	if err != nil {
		return nil, err
	}
	return s.Waveform(ctx, mel)
}
