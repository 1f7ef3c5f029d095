package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail running runs that stopped making progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initAdmin(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Orch.Reap(ctx)
		if err != nil {
			return eris.Wrap(err, "reap")
		}
		fmt.Fprintf(os.Stdout, "Reaped %d stale run(s).\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reapCmd)
}
