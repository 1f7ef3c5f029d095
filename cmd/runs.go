package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and manage pipeline runs",
	Long:  "Commands for listing, viewing, cancelling and retrying pipeline runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initAdmin(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		niche, _ := cmd.Flags().GetString("niche")
		city, _ := cmd.Flags().GetString("city")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := env.Orch.List(ctx, store.RunFilter{
			Status: model.RunStatus(status),
			Niche:  niche,
			City:   city,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initAdmin(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Orch.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs leads --

var runsLeadsCmd = &cobra.Command{
	Use:   "leads <run-id>",
	Short: "List the leads a run is working on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initAdmin(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		leads, err := env.Orch.Leads(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs leads")
		}
		if len(leads) == 0 {
			fmt.Fprintln(os.Stderr, "No leads found.")
			return nil
		}

		formatLeadsList(os.Stdout, leads)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show run counts by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initAdmin(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Orch.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		formatRunStats(os.Stdout, stats)
		return nil
	},
}

// -- runs cancel --

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a running run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initAdmin(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Orch.Cancel(ctx, args[0]); err != nil {
			return eris.Wrap(err, "runs cancel")
		}
		fmt.Fprintf(os.Stdout, "Run %s cancelled.\n", truncateID(args[0]))
		return nil
	},
}

// -- runs retry --

var runsRetryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Resume a failed, cancelled or rate-limit paused run in this process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		stage, err := env.Orch.Retry(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs retry")
		}
		if stage == "" {
			fmt.Fprintf(os.Stdout, "Run %s had no work left and is completed.\n", truncateID(args[0]))
			return nil
		}

		run, err := env.Orch.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs retry")
		}
		fmt.Fprintf(os.Stdout, "Run %s resumed at %s, now %s.\n", truncateID(run.ID), stage, run.Status)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, completed, failed, cancelled)")
	runsListCmd.Flags().String("niche", "", "filter by niche")
	runsListCmd.Flags().String("city", "", "filter by city")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsLeadsCmd)
	runsCmd.AddCommand(runsStatsCmd)
	runsCmd.AddCommand(runsCancelCmd)
	runsCmd.AddCommand(runsRetryCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNICHE\tCITY\tSTATUS\tSTAGE\tLEADS\tSENT\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t----\t------\t-----\t-----\t----\t-------\t--------")

	for _, r := range runs {
		end := r.UpdatedAt
		if r.CompletedAt != nil {
			end = *r.CompletedAt
		}
		dur := end.Sub(r.CreatedAt).Round(time.Second).String()

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			truncateText(r.Niche, 20),
			truncateText(r.City, 20),
			r.Status,
			r.Stage,
			r.Counters.TotalLeads,
			r.Counters.MessagesSent,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatLeadsList writes a tabular list of pipeline leads to w.
func formatLeadsList(out io.Writer, leads []model.PipelineLead) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tPHONE\tSTATUS\tSCORE\tERROR")
	_, _ = fmt.Fprintln(w, "----\t-----\t------\t-----\t-----")

	for _, pl := range leads {
		score := "-"
		if pl.Score != nil {
			score = fmt.Sprintf("%d", *pl.Score)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateText(pl.Name, 30),
			pl.Phone,
			pl.Status,
			score,
			truncateText(pl.Error, 40),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes run counts to w.
func formatRunStats(out io.Writer, s *model.RunStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Cancelled:\t%d\n", s.Cancelled)
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
