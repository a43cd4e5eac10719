package speech

import "fmt"

// Config holds the decoder hyperparameters. Defaults follow the shipped
// checkpoint layout; Validate catches hand-edited configs before any
// tensor math runs.
type Config struct {
	HiddenSize            int64
	IntermediateSize      int64
	NumAttentionHeads     int64
	NumHiddenLayers       int64
	MaxPositionEmbeddings int64
	RMSNormEps            float32
	RopeTheta             float64

	LLMDim         int64
	NumAudioTokens int64
	NumTextTokens  int64
	NumVQ          int
	NumMelBins     int64

	UseSpeakerEmbedding bool
	UseMLPProjector     bool
	NumSpkEmbs          int64
	SpkEmbTokenID       int64
	AudioBosTokenID     int64
	TextEosTokenID      int64

	StreamingTextChunkSize   int64
	StreamingAudioChunkSize  int64
	StreamingTextReservedLen int64

	TopP              float32
	TopK              int
	RepetitionPenalty float32
}

func DefaultConfig() Config {
	return Config{
		HiddenSize:            768,
		IntermediateSize:      3072,
		NumAttentionHeads:     12,
		NumHiddenLayers:       20,
		MaxPositionEmbeddings: 4096,
		RMSNormEps:            1e-6,
		RopeTheta:             10000,

		LLMDim:         2560,
		NumAudioTokens: 626,
		NumTextTokens:  21178,
		NumVQ:          4,
		NumMelBins:     100,

		UseSpeakerEmbedding: true,
		UseMLPProjector:     true,
		NumSpkEmbs:          1,
		SpkEmbTokenID:       21143,
		AudioBosTokenID:     21132,
		TextEosTokenID:      21133,

		StreamingTextChunkSize:   10,
		StreamingAudioChunkSize:  50,
		StreamingTextReservedLen: 300,

		TopP:              0.7,
		TopK:              20,
		RepetitionPenalty: 1.0,
	}
}

func (c Config) Validate() error {
	if c.HiddenSize <= 0 || c.NumAttentionHeads <= 0 || c.NumHiddenLayers <= 0 {
		return fmt.Errorf("speech: invalid backbone dims hidden=%d heads=%d layers=%d",
			c.HiddenSize, c.NumAttentionHeads, c.NumHiddenLayers)
	}
	if c.HiddenSize%c.NumAttentionHeads != 0 {
		return fmt.Errorf("speech: hidden size %d not divisible by %d heads", c.HiddenSize, c.NumAttentionHeads)
	}
	if c.NumVQ <= 0 || c.NumAudioTokens <= 0 || c.NumTextTokens <= 0 {
		return fmt.Errorf("speech: invalid vocab dims numVQ=%d audio=%d text=%d",
			c.NumVQ, c.NumAudioTokens, c.NumTextTokens)
	}
	if c.StreamingTextReservedLen <= 0 || c.StreamingTextChunkSize <= 0 || c.StreamingAudioChunkSize <= 0 {
		return fmt.Errorf("speech: invalid streaming sizes reserved=%d text=%d audio=%d",
			c.StreamingTextReservedLen, c.StreamingTextChunkSize, c.StreamingAudioChunkSize)
	}
	if c.UseSpeakerEmbedding && c.NumSpkEmbs <= 0 {
		return fmt.Errorf("speech: speaker embedding enabled with numSpkEmbs=%d", c.NumSpkEmbs)
	}
	if c.AudioBosTokenID < 0 || c.AudioBosTokenID >= c.NumTextTokens {
		return fmt.Errorf("speech: audio bos token %d outside text vocab %d", c.AudioBosTokenID, c.NumTextTokens)
	}
	if c.ConditionLength() >= c.MaxPositionEmbeddings {
		return fmt.Errorf("speech: condition length %d exceeds max positions %d",
			c.ConditionLength(), c.MaxPositionEmbeddings)
	}
	return nil
}

// SpkOffset is the number of speaker slots in the conditioning prefix,
// zero when speaker embeddings are disabled.
func (c Config) SpkOffset() int64 {
	if !c.UseSpeakerEmbedding {
		return 0
	}
	return c.NumSpkEmbs
}

// ConditionLength is the full conditioning prefix length:
// bos + speaker slots + reserved text region + audio-bos.
func (c Config) ConditionLength() int64 {
	return 1 + c.SpkOffset() + c.StreamingTextReservedLen + 1
}

func (c Config) MaskSpec() MaskSpec {
	return MaskSpec{
		ReservedLen: c.StreamingTextReservedLen,
		TextChunk:   c.StreamingTextChunkSize,
		AudioChunk:  c.StreamingAudioChunkSize,
		SpkOffset:   c.SpkOffset(),
	}
}
