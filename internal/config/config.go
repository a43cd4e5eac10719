package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/go-streamtts/internal/speech"
)

type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Paths    PathsConfig   `mapstructure:"paths"`
	Decoder  DecoderConfig `mapstructure:"decoder"`
	Vocoder  VocoderConfig `mapstructure:"vocoder"`
	Server   ServerConfig  `mapstructure:"server"`
}

type PathsConfig struct {
	ModelPath     string `mapstructure:"model_path"`
	VoiceManifest string `mapstructure:"voice_manifest"`
}

type DecoderConfig struct {
	BosTokenID        int64   `mapstructure:"bos_token_id"`
	Temperature       float64 `mapstructure:"temperature"`
	TopP              float64 `mapstructure:"top_p"`
	TopK              int     `mapstructure:"top_k"`
	RepetitionPenalty float64 `mapstructure:"repetition_penalty"`
	ChunkSize         int     `mapstructure:"chunk_size"`
	MinNewTokens      int     `mapstructure:"min_new_tokens"`
	ConvWorkers       int     `mapstructure:"conv_workers"`
	Progress          bool    `mapstructure:"progress"`
}

type VocoderConfig struct {
	Backend        string `mapstructure:"backend"`
	ModelPath      string `mapstructure:"model_path"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	MelInput       string `mapstructure:"mel_input"`
	AudioOutput    string `mapstructure:"audio_output"`
	SampleRate     int    `mapstructure:"sample_rate"`
}

type ServerConfig struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	MaxTextTokens  int    `mapstructure:"max_text_tokens"`
	RequestTimeout int    `mapstructure:"request_timeout"`
	Sessions       int    `mapstructure:"sessions"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Paths: PathsConfig{
			ModelPath:     "models/decoder.safetensors",
			VoiceManifest: "voices/manifest.json",
		},
		Decoder: DecoderConfig{
			BosTokenID:        0,
			Temperature:       1.0,
			TopP:              0.7,
			TopK:              20,
			RepetitionPenalty: 1.0,
			ChunkSize:         50,
			MinNewTokens:      0,
			ConvWorkers:       0,
			Progress:          false,
		},
		Vocoder: VocoderConfig{
			Backend:        BackendMel,
			ModelPath:      "",
			ORTLibraryPath: "",
			MelInput:       "mel",
			AudioOutput:    "audio",
			SampleRate:     24000,
		},
		Server: ServerConfig{
			ListenAddr:     ":8080",
			MaxTextTokens:  300,
			RequestTimeout: 120,
			Sessions:       8,
		},
	}
}

// SpeechConfig maps the runtime sampling overrides onto the model
// hyperparameters.
func (c Config) SpeechConfig() speech.Config {
	sc := speech.DefaultConfig()
	if c.Decoder.TopP > 0 {
		sc.TopP = float32(c.Decoder.TopP)
	}
	if c.Decoder.TopK > 0 {
		sc.TopK = c.Decoder.TopK
	}
	if c.Decoder.RepetitionPenalty > 0 {
		sc.RepetitionPenalty = float32(c.Decoder.RepetitionPenalty)
	}
	return sc
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("paths-model-path", defaults.Paths.ModelPath, "Path to decoder safetensors checkpoint")
	fs.String("paths-voice-manifest", defaults.Paths.VoiceManifest, "Path to voice manifest JSON")
	fs.Int64("decoder-bos-token-id", defaults.Decoder.BosTokenID, "Text token placed at sequence start")
	fs.Float64("decoder-temperature", defaults.Decoder.Temperature, "Sampling temperature")
	fs.Float64("decoder-top-p", defaults.Decoder.TopP, "Nucleus sampling mass")
	fs.Int("decoder-top-k", defaults.Decoder.TopK, "Top-k sampling cutoff")
	fs.Float64("decoder-repetition-penalty", defaults.Decoder.RepetitionPenalty, "Repetition penalty over recent tokens")
	fs.Int("decoder-chunk-size", defaults.Decoder.ChunkSize, "Audio tokens generated per chunk")
	fs.Int("decoder-min-new-tokens", defaults.Decoder.MinNewTokens, "Minimum audio tokens before stopping")
	fs.Int("conv-workers", defaults.Decoder.ConvWorkers, "Goroutines for parallel convolution (0 = sequential)")
	fs.Bool("progress", defaults.Decoder.Progress, "Render a progress bar while generating audio tokens")
	fs.String("vocoder-backend", defaults.Vocoder.Backend, "Vocoder backend (mel|onnx)")
	fs.String("vocoder-model-path", defaults.Vocoder.ModelPath, "Path to ONNX vocoder graph")
	fs.String("vocoder-ort-library-path", defaults.Vocoder.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Vocoder.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --vocoder-ort-library-path)")
	fs.String("vocoder-mel-input", defaults.Vocoder.MelInput, "Vocoder graph mel input name")
	fs.String("vocoder-audio-output", defaults.Vocoder.AudioOutput, "Vocoder graph audio output name")
	fs.Int("vocoder-sample-rate", defaults.Vocoder.SampleRate, "Output sample rate")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-max-text-tokens", defaults.Server.MaxTextTokens, "Maximum text tokens per request")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "Per-request synthesis deadline in seconds")
	fs.Int("server-sessions", defaults.Server.Sessions, "Maximum concurrent streaming sessions")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("STREAMTTS")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("vocoder.ort_library_path", "STREAMTTS_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("streamtts")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("paths.model_path", c.Paths.ModelPath)
	v.SetDefault("paths.voice_manifest", c.Paths.VoiceManifest)
	v.SetDefault("decoder.bos_token_id", c.Decoder.BosTokenID)
	v.SetDefault("decoder.temperature", c.Decoder.Temperature)
	v.SetDefault("decoder.top_p", c.Decoder.TopP)
	v.SetDefault("decoder.top_k", c.Decoder.TopK)
	v.SetDefault("decoder.repetition_penalty", c.Decoder.RepetitionPenalty)
	v.SetDefault("decoder.chunk_size", c.Decoder.ChunkSize)
	v.SetDefault("decoder.min_new_tokens", c.Decoder.MinNewTokens)
	v.SetDefault("decoder.conv_workers", c.Decoder.ConvWorkers)
	v.SetDefault("decoder.progress", c.Decoder.Progress)
	v.SetDefault("vocoder.backend", c.Vocoder.Backend)
	v.SetDefault("vocoder.model_path", c.Vocoder.ModelPath)
	v.SetDefault("vocoder.ort_library_path", c.Vocoder.ORTLibraryPath)
	v.SetDefault("vocoder.mel_input", c.Vocoder.MelInput)
	v.SetDefault("vocoder.audio_output", c.Vocoder.AudioOutput)
	v.SetDefault("vocoder.sample_rate", c.Vocoder.SampleRate)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.max_text_tokens", c.Server.MaxTextTokens)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.sessions", c.Server.Sessions)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("log_level", "log-level")
	v.RegisterAlias("paths.model_path", "paths-model-path")
	v.RegisterAlias("paths.voice_manifest", "paths-voice-manifest")
	v.RegisterAlias("decoder.bos_token_id", "decoder-bos-token-id")
	v.RegisterAlias("decoder.temperature", "decoder-temperature")
	v.RegisterAlias("decoder.top_p", "decoder-top-p")
	v.RegisterAlias("decoder.top_k", "decoder-top-k")
	v.RegisterAlias("decoder.repetition_penalty", "decoder-repetition-penalty")
	v.RegisterAlias("decoder.chunk_size", "decoder-chunk-size")
	v.RegisterAlias("decoder.min_new_tokens", "decoder-min-new-tokens")
	v.RegisterAlias("decoder.conv_workers", "conv-workers")
	v.RegisterAlias("decoder.progress", "progress")
	v.RegisterAlias("vocoder.backend", "vocoder-backend")
	v.RegisterAlias("vocoder.model_path", "vocoder-model-path")
	v.RegisterAlias("vocoder.ort_library_path", "vocoder-ort-library-path")
	v.RegisterAlias("vocoder.ort_library_path", "ort-lib")
	v.RegisterAlias("vocoder.mel_input", "vocoder-mel-input")
	v.RegisterAlias("vocoder.audio_output", "vocoder-audio-output")
	v.RegisterAlias("vocoder.sample_rate", "vocoder-sample-rate")
	v.RegisterAlias("server.listen_addr", "server-listen-addr")
	v.RegisterAlias("server.max_text_tokens", "server-max-text-tokens")
	v.RegisterAlias("server.request_timeout", "server-request-timeout")
	v.RegisterAlias("server.sessions", "server-sessions")
}
