package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/stage-batch/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect batch run history",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batch runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{Status: store.RunStatus(status), Limit: limit})
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

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 10000}) // high limit for stats
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total       int
	Complete    int
	Failed      int
	Running     int
	Transient   int
	Permanent   int
	Customers   int
	Transitions int
	AvgDurSecs  float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []store.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		switch r.Status {
		case store.RunStatusComplete:
			s.Complete++
			s.Customers += r.Stats.Persisted
			s.Transitions += r.Stats.Transitions
			if r.CompletedAt != nil {
				totalDur += r.CompletedAt.Sub(r.StartedAt)
				durCount++
			}
		case store.RunStatusFailed:
			s.Failed++
			switch r.ErrorType {
			case "transient":
				s.Transient++
			case "permanent":
				s.Permanent++
			}
		default:
			s.Running++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []store.Run) {
	p := message.NewPrinter(language.English)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tAS_OF\tSTATUS\tERROR_TYPE\tCUSTOMERS\tTRANSITIONS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t----------\t---------\t-----------\t-------\t--------")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		_, _ = p.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.AsOf.Format(time.DateOnly),
			r.Status,
			r.ErrorType,
			r.Stats.Persisted,
			r.Stats.Transitions,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	p := message.NewPrinter(language.English)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = p.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = p.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = p.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = p.Fprintf(w, "  Transient:\t%d\n", s.Transient)
	_, _ = p.Fprintf(w, "  Permanent:\t%d\n", s.Permanent)
	_, _ = p.Fprintf(w, "Running:\t%d\n", s.Running)
	_, _ = p.Fprintf(w, "Customers:\t%d\n", s.Customers)
	_, _ = p.Fprintf(w, "Transitions:\t%d\n", s.Transitions)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
