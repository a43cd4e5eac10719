package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/go-streamtts/internal/tts"
)

func newVoicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List voices from the manifest",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if cfg.Paths.VoiceManifest == "" {
				return fmt.Errorf("no voice manifest configured")
			}

			vm, err := tts.NewVoiceManager(cfg.Paths.VoiceManifest)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tPATH\tLICENSE")
			for _, v := range vm.ListVoices() {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", v.ID, v.Path, v.License)
			}
			return w.Flush()
		},
	}

	return cmd
}
