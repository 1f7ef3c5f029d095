package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
)

var (
	runNiche      string
	runCity       string
	runAccount    string
	runMaxResults int
	runSkip       model.RunConfig
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the whole pipeline for one niche and city in this process",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		runCfg := runSkip
		runCfg.MaxResults = runMaxResults

		run, err := env.Orch.Start(ctx, pipeline.StartRequest{
			Niche:   runNiche,
			City:    runCity,
			Account: runAccount,
			Config:  runCfg,
		})
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		// Stages ran inline; reload for the final state.
		final, err := env.Orch.Get(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "load run")
		}

		zap.L().Info("run finished",
			zap.String("run_id", final.ID),
			zap.String("status", string(final.Status)),
			zap.Int("leads", final.Counters.TotalLeads),
			zap.Int("sent", final.Counters.MessagesSent),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(final)
	},
}

func init() {
	runCmd.Flags().StringVar(&runNiche, "niche", "", "business category to search for (required)")
	runCmd.Flags().StringVar(&runCity, "city", "", "city to search in (required)")
	runCmd.Flags().StringVar(&runAccount, "account", "", "messaging account that owns the run")
	runCmd.Flags().IntVar(&runMaxResults, "max-results", 0, "maximum businesses to import (default from config)")
	runCmd.Flags().BoolVar(&runSkip.SkipAnalysis, "skip-analysis", false, "do not score websites")
	runCmd.Flags().BoolVar(&runSkip.SkipSites, "skip-sites", false, "do not generate landing pages")
	runCmd.Flags().BoolVar(&runSkip.SkipMessages, "skip-messages", false, "do not write outreach messages")
	runCmd.Flags().BoolVar(&runSkip.SkipSend, "skip-send", false, "do not send messages")
	_ = runCmd.MarkFlagRequired("niche")
	_ = runCmd.MarkFlagRequired("city")
	rootCmd.AddCommand(runCmd)
}
