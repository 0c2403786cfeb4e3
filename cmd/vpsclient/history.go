package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/vpsclient/internal/db"
	"github.com/banshee-data/vpsclient/internal/fsutil"
	"github.com/banshee-data/vpsclient/internal/security"
	"github.com/banshee-data/vpsclient/internal/timeutil"
)

type historyFilter struct {
	outcome string
	since   time.Duration
	limit   int
}

func (f *historyFilter) register(cmd *cobra.Command, defaultLimit int) {
	cmd.Flags().StringVar(&f.outcome, "outcome", "", "Only attempts with this outcome (success or failure)")
	cmd.Flags().DurationVar(&f.since, "since", 0, "Only attempts started within this long ago, e.g. 24h")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", defaultLimit, "Most recent N attempts, 0 for all")
}

func (f *historyFilter) query(now time.Time) (db.AttemptQuery, error) {
	q := db.AttemptQuery{Outcome: f.outcome, Limit: f.limit}
	switch f.outcome {
	case "", db.OutcomeSuccess, db.OutcomeFailure:
	default:
		return q, fmt.Errorf("invalid outcome %q (want %s or %s)", f.outcome, db.OutcomeSuccess, db.OutcomeFailure)
	}
	if f.limit < 0 {
		return q, fmt.Errorf("limit must not be negative")
	}
	if f.since > 0 {
		q.Since = now.Add(-f.since)
	}
	return q, nil
}

func newHistoryCmd(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded localization attempts",
	}
	cmd.AddCommand(newHistoryListCmd(global))
	cmd.AddCommand(newHistoryExportCmd(global, fsutil.OSFileSystem{}))
	return cmd
}

func newHistoryListCmd(global *globalOptions) *cobra.Command {
	var (
		filter   historyFilter
		asJSON   bool
		timezone string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent localization attempts and a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := filter.query(time.Now())
			if err != nil {
				return err
			}
			loc, err := timeutil.LoadTimezone(timezone)
			if err != nil {
				return err
			}
			history, err := db.NewDB(global.dbPath)
			if err != nil {
				return err
			}
			defer history.Close()

			attempts, err := history.ListAttempts(q)
			if err != nil {
				return err
			}
			summary, err := history.Summarize()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"summary":  summary,
					"attempts": attempts,
				})
			}

			for _, a := range attempts {
				fmt.Fprintln(out, a.Format(loc))
			}
			fmt.Fprintf(out, "\n%d attempts: %d succeeded, %d failed\n", summary.Total, summary.Successes, summary.Failures)
			if summary.MeanConfidence != nil {
				fmt.Fprintf(out, "mean confidence %.3f, mean duration %.0fms\n", *summary.MeanConfidence, summary.MeanDurationMs)
			}
			reasons := make([]string, 0, len(summary.ByReason))
			for r := range summary.ByReason {
				reasons = append(reasons, r)
			}
			sort.Strings(reasons)
			for _, r := range reasons {
				fmt.Fprintf(out, "  %-24s %d\n", r, summary.ByReason[r])
			}
			return nil
		},
	}

	filter.register(cmd, 20)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of text")
	cmd.Flags().StringVar(&timezone, "timezone", "", "Display times in this tz database zone (default local)")
	return cmd
}

func newHistoryExportCmd(global *globalOptions, fsys fsutil.FileSystem) *cobra.Command {
	var (
		filter historyFilter
		out    string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export localization attempts to a parquet file",
		Example: `  # Export every failure from the last day
  vpsclient history export --outcome failure --since 24h -o failures.parquet`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := filter.query(time.Now())
			if err != nil {
				return err
			}
			if err := security.ValidateExportPath(out); err != nil {
				return fmt.Errorf("invalid output path: %w", err)
			}
			history, err := db.NewDB(global.dbPath)
			if err != nil {
				return err
			}
			defer history.Close()

			w, err := fsys.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			n, err := history.ExportParquet(w, q)
			if cerr := w.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("failed to export history: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d attempts to %s\n", n, out)
			return nil
		},
	}

	filter.register(cmd, 0)
	cmd.Flags().StringVarP(&out, "output", "o", "localization-history.parquet", "Output parquet file")
	return cmd
}
