package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-streamtts/internal/audio"
	"github.com/example/go-streamtts/internal/tts"
)

func newSynthCmd() *cobra.Command {
	var tokensArg string
	var out string
	var voice string
	var normalize bool
	var dcBlock bool
	var fadeInMS float64
	var fadeOutMS float64

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize text tokens to WAV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			tokens, err := readTokens(tokensArg, os.Stdin)
			if err != nil {
				return err
			}

			svc, err := tts.NewService(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer svc.Close()

			samples, err := svc.Synthesize(cmd.Context(), tokens, voice)
			if err != nil {
				return err
			}

			rate := svc.SampleRate()
			samples = audio.ApplyHooks(samples, synthHooks(rate, normalize, dcBlock, fadeInMS, fadeOutMS)...)

			wav, err := audio.EncodeWAV(samples, rate)
			if err != nil {
				return err
			}

			return writeOutput(out, wav, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&tokensArg, "tokens", "", "Comma-separated text token IDs (if empty, read from stdin)")
	cmd.Flags().StringVar(&out, "out", "out.wav", "Output WAV path ('-' for stdout)")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice ID from the manifest")
	cmd.Flags().BoolVar(&normalize, "normalize", false, "Peak-normalize the output")
	cmd.Flags().BoolVar(&dcBlock, "dc-block", false, "Remove DC offset from the output")
	cmd.Flags().Float64Var(&fadeInMS, "fade-in-ms", 0, "Linear fade-in duration in milliseconds")
	cmd.Flags().Float64Var(&fadeOutMS, "fade-out-ms", 0, "Linear fade-out duration in milliseconds")

	return cmd
}

func synthHooks(rate int, normalize, dcBlock bool, fadeInMS, fadeOutMS float64) []audio.Hook {
	var hooks []audio.Hook
	if dcBlock {
		hooks = append(hooks, func(s []float32) []float32 { return audio.DCBlock(s, rate) })
	}
	if normalize {
		hooks = append(hooks, audio.PeakNormalize)
	}
	if fadeInMS > 0 {
		hooks = append(hooks, func(s []float32) []float32 { return audio.FadeIn(s, rate, fadeInMS) })
	}
	if fadeOutMS > 0 {
		hooks = append(hooks, func(s []float32) []float32 { return audio.FadeOut(s, rate, fadeOutMS) })
	}
	return hooks
}

// readTokens parses token IDs from the flag value or, when empty, from
// stdin. Commas, spaces and newlines all separate tokens.
func readTokens(arg string, stdin io.Reader) ([]int64, error) {
	raw := arg
	if raw == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = string(data)
	}

	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("no tokens provided")
	}

	tokens := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid token %q: %w", f, err)
		}
		tokens = append(tokens, id)
	}
	return tokens, nil
}

func writeOutput(path string, data []byte, stdout io.Writer) error {
	if path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
