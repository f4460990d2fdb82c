package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/stage-batch/internal/config"
	"github.com/sells-group/stage-batch/internal/ruleset"
	"github.com/sells-group/stage-batch/internal/stage"
	"github.com/sells-group/stage-batch/internal/store"
)

var conditionsCmd = &cobra.Command{
	Use:   "conditions",
	Short: "Manage stage conditions",
}

// -- conditions list --

var conditionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the conditions in effect on a date",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		asOf := time.Now().UTC()
		if s, _ := cmd.Flags().GetString("as-of"); s != "" {
			t, err := time.Parse(time.DateOnly, s)
			if err != nil {
				return eris.Wrapf(err, "conditions list: parse --as-of %q", s)
			}
			asOf = t
		}

		return listConditions(ctx, os.Stdout, asOf)
	},
}

// listConditions prints the conditions from the configured source. The
// store is only opened when conditions live there.
func listConditions(ctx context.Context, out io.Writer, asOf time.Time) error {
	var st store.Store
	if cfg.Conditions.Source == config.SourceStore {
		var err error
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

	conds, err := src.EffectiveConditions(ctx, asOf)
	if err != nil {
		return eris.Wrap(err, "conditions list")
	}
	if len(conds) == 0 {
		fmt.Fprintln(os.Stderr, "No conditions in effect.")
		return nil
	}

	formatConditions(out, conds)
	return nil
}

// -- conditions import --

var conditionsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Validate a condition file and upsert it into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		conds, err := ruleset.LoadFile(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.SaveConditions(ctx, conds)
		if err != nil {
			return eris.Wrap(err, "conditions import")
		}
		zap.L().Info("conditions imported",
			zap.String("file", args[0]),
			zap.Int("conditions", len(conds)),
			zap.Int("rows", n),
		)
		return nil
	},
}

func init() {
	conditionsListCmd.Flags().String("as-of", "", "reference date (YYYY-MM-DD), default today")

	conditionsCmd.AddCommand(conditionsListCmd)
	conditionsCmd.AddCommand(conditionsImportCmd)
	rootCmd.AddCommand(conditionsCmd)
}

// formatConditions writes a tabular list of conditions to w.
func formatConditions(out io.Writer, conds []stage.Condition) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tCATEGORY\tEFFECT\tRULE\tVALID")
	_, _ = fmt.Fprintln(w, "--\t----\t--------\t------\t----\t-----")

	for _, c := range conds {
		def := c.Base()
		var effect, rule string
		switch v := c.(type) {
		case stage.StageCondition:
			effect = v.StageCode.String()
			rule = fmt.Sprintf("[%s, %s)", v.MinValue, v.MaxValue)
		case stage.RankChangeCondition:
			effect = fmt.Sprintf("+%d", v.RankChangeLevels)
			rule = fmt.Sprintf(">= %s", v.ThresholdValue)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s..%s\n",
			def.ID,
			def.Type,
			c.Category(),
			effect,
			rule,
			def.ValidFrom.Format(time.DateOnly),
			def.ValidTo.Format(time.DateOnly),
		)
	}
	_ = w.Flush()
}
