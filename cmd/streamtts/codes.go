package main

import (
	"log/slog"
	"os"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/example/go-streamtts/internal/tts"
)

// codes generates audio code rows without a vocoder, for inspection or
// offline decoding.
func newCodesCmd() *cobra.Command {
	var tokensArg string
	var out string
	var voice string

	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Generate audio code rows as JSON",
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

			rows, err := svc.GenerateCodes(cmd.Context(), tokens, voice)
			if err != nil {
				return err
			}

			data, err := sonic.Marshal(rows)
			if err != nil {
				return err
			}
			data = append(data, '\n')

			return writeOutput(out, data, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&tokensArg, "tokens", "", "Comma-separated text token IDs (if empty, read from stdin)")
	cmd.Flags().StringVar(&out, "out", "-", "Output path ('-' for stdout)")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice ID from the manifest")

	return cmd
}
