package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume continuation hops from the queue or Temporal",
	Long:  "Runs pipeline stages delivered by the queue or temporal continuation driver. Hops scheduled by a stage go back through the same driver.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		switch cfg.Continuation.Driver {
		case "queue", "temporal":
		default:
			return eris.Errorf("worker needs the queue or temporal continuation driver, got %q", cfg.Continuation.Driver)
		}

		env, err := initPipeline(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := initContinuation(ctx, env, true); err != nil {
			return err
		}

		zap.L().Info("worker running", zap.String("driver", cfg.Continuation.Driver))
		<-ctx.Done()
		zap.L().Info("worker stopping")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
