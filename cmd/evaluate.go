package main

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/stage-batch/internal/config"
	"github.com/sells-group/stage-batch/internal/snapshot"
	"github.com/sells-group/stage-batch/internal/stage"
	"github.com/sells-group/stage-batch/internal/store"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <snapshot-row>",
	Short: "Evaluate one customer and print the outcome as JSON",
	Long: "Evaluates a single snapshot row (same column order as the batch input, without header) " +
		"against the conditions in effect on its month-end date. Nothing is persisted.",
	Example: `  stage-batch evaluate "CUS003,SILVER,2025-04-30,8800000,3000000,3000000,0,0,0,0"`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate(); err != nil {
			return err
		}

		in, err := parseRow(args[0], cfg.Batch.DelimiterRune())
		if err != nil {
			return err
		}

		var st store.Store
		if cfg.Conditions.Source == config.SourceStore {
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

		conds, err := src.EffectiveConditions(ctx, in.CalculationDate)
		if err != nil {
			return eris.Wrap(err, "evaluate: load conditions")
		}
		out, err := stage.Evaluate(in, conds)
		if err != nil {
			return err
		}
		return writeOutcome(os.Stdout, out)
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
}

// parseRow decodes one delimited snapshot row.
func parseRow(row string, delim rune) (stage.Input, error) {
	r := csv.NewReader(strings.NewReader(row))
	r.Comma = delim
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil {
		return stage.Input{}, eris.Wrap(err, "evaluate: read row")
	}
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return snapshot.Decode(fields)
}

func writeOutcome(w io.Writer, o stage.Outcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(o)
}
