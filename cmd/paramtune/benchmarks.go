package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/paramtune/internal/objective"
)

func newBenchmarksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "benchmarks",
		Short: "List the built-in objective functions",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range objective.Benchmarks() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}
