package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/stage-batch/internal/batch"
	"github.com/sells-group/stage-batch/internal/config"
	"github.com/sells-group/stage-batch/internal/stage"
	"github.com/sells-group/stage-batch/internal/store"
)

var (
	runInput  string
	runAsOf   string
	runDryRun bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monthly stage calculation over a snapshot file",
	Long:  "Reads a month-end customer snapshot, evaluates every customer against the conditions in effect on --as-of and persists calculations, evaluation results and transitions chunk by chunk.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate(); err != nil {
			return err
		}
		asOf, err := time.Parse(time.DateOnly, runAsOf)
		if err != nil {
			return eris.Wrapf(err, "run: parse --as-of %q", runAsOf)
		}

		f, err := os.Open(runInput)
		if err != nil {
			return eris.Wrap(err, "run: open snapshot")
		}
		defer f.Close() //nolint:errcheck

		var st store.Store
		if !runDryRun || cfg.Conditions.Source == config.SourceStore {
			st, err = openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
		}

		src, err := conditionSource(st)
		if err != nil {
			return err
		}

		var (
			writer batch.OutcomeWriter
			runs   batch.RunLog
		)
		if !runDryRun {
			writer, runs = st, st
		}

		sum, runErr := batch.New(src, writer, runs, batchOptions()).Run(ctx, f, batch.RunOptions{
			AsOf:  asOf,
			Input: runInput,
		})
		if sum != nil {
			formatSummary(os.Stdout, sum)
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "path to the month-end snapshot CSV")
	runCmd.Flags().StringVar(&runAsOf, "as-of", "", "calculation date (YYYY-MM-DD), normally the month-end date")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "evaluate without persisting")
	_ = runCmd.MarkFlagRequired("input")
	_ = runCmd.MarkFlagRequired("as-of")
	rootCmd.AddCommand(runCmd)
}

// formatSummary writes a run summary to w with grouped thousands.
func formatSummary(out io.Writer, s *batch.Summary) {
	p := message.NewPrinter(language.English)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	if s.RunID != "" {
		_, _ = fmt.Fprintf(w, "Run:\t%s\n", s.RunID)
	}
	_, _ = fmt.Fprintf(w, "As of:\t%s\n", s.AsOf.Format(time.DateOnly))
	_, _ = p.Fprintf(w, "Conditions:\t%d\n", s.Conditions)
	_, _ = p.Fprintf(w, "Read:\t%d\n", s.Stats.Read)
	_, _ = p.Fprintf(w, "Evaluated:\t%d\n", s.Stats.Evaluated)
	_, _ = p.Fprintf(w, "Skipped:\t%d\n", s.Stats.Skipped)
	_, _ = p.Fprintf(w, "Persisted:\t%d\n", s.Stats.Persisted)
	_, _ = p.Fprintf(w, "Transitions:\t%d\t(%d up, %d down)\n", s.Stats.Transitions, s.Stats.Promotions, s.Stats.Demotions)
	for _, code := range stage.Codes() {
		_, _ = p.Fprintf(w, "  %s:\t%d\n", code, s.Stats.ByStage[code.String()])
	}
	_, _ = fmt.Fprintf(w, "Elapsed:\t%s\n", s.Elapsed.Round(time.Millisecond))
	_ = w.Flush()
}
