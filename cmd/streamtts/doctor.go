package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-streamtts/internal/doctor"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the configured model, voices and vocoder are usable",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			res := doctor.Run(cfg, os.Stdout)
			if res.Failed() {
				return fmt.Errorf("%d check(s) failed", len(res.Failures()))
			}
			return nil
		},
	}

	return cmd
}
