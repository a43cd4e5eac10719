package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/example/go-streamtts/internal/safetensors"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Inspect model checkpoints",
	}
	cmd.AddCommand(newModelInfoCmd())

	return cmd
}

// model info lists the tensors of a safetensors checkpoint with their
// shapes, defaulting to the configured model path.
func newModelInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info [checkpoint]",
		Short: "List checkpoint tensors and shapes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := requireConfig()
				if err != nil {
					return err
				}
				path = cfg.Paths.ModelPath
			}

			store, err := safetensors.OpenStore(path, safetensors.StoreOptions{})
			if err != nil {
				return err
			}
			defer store.Close()

			names := store.Names()
			sort.Strings(names)

			var totalElems int64
			out := cmd.OutOrStdout()
			for _, name := range names {
				t, err := store.Tensor(name)
				if err != nil {
					return err
				}

				elems := int64(1)
				for _, d := range t.Shape {
					elems *= d
				}
				totalElems += elems

				fmt.Fprintf(out, "%s\t%v\n", name, t.Shape)
			}
			fmt.Fprintf(out, "\n%d tensors, %d parameters\n", len(names), totalElems)

			return nil
		},
	}
}
