// Package batch runs the monthly stage calculation over a customer snapshot.
package batch

import (
	"context"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/stage-batch/internal/resilience"
	"github.com/sells-group/stage-batch/internal/snapshot"
	"github.com/sells-group/stage-batch/internal/stage"
	"github.com/sells-group/stage-batch/internal/store"
)

// ErrDateMismatch is reported for snapshot rows whose month-end date is not
// the run's reference date.
var ErrDateMismatch = eris.New("batch: month-end date does not match run date")

// ConditionSource supplies the condition set in effect on a date.
type ConditionSource interface {
	EffectiveConditions(ctx context.Context, asOf time.Time) ([]stage.Condition, error)
}

// OutcomeWriter persists one chunk of outcomes atomically.
type OutcomeWriter interface {
	SaveOutcomes(ctx context.Context, runID string, outcomes []stage.Outcome) ([]stage.Persisted, error)
}

// RunLog records the lifecycle of a batch run.
type RunLog interface {
	StartRun(ctx context.Context, start store.RunStart) (*store.Run, error)
	CompleteRun(ctx context.Context, runID string, stats store.RunStats) error
	FailRun(ctx context.Context, runID string, stats store.RunStats, runErr error) error
}

// Options tunes a Runner.
type Options struct {
	ChunkSize   int
	Concurrency int
	// SkipFailed counts and logs records that fail to decode or evaluate
	// instead of aborting the run.
	SkipFailed bool
	Retry      resilience.RetryConfig
	// Delimiter and TrimSpace are passed to the snapshot reader. The header
	// row is always skipped.
	Delimiter rune
	TrimSpace bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		ChunkSize:   200,
		Concurrency: 4,
		Retry:       resilience.DefaultRetryConfig(),
	}
}

// RunOptions identifies one run.
type RunOptions struct {
	AsOf  time.Time
	Input string
}

// Summary reports what a run did.
type Summary struct {
	RunID      string         `json:"run_id,omitempty"`
	AsOf       time.Time      `json:"as_of"`
	Conditions int            `json:"conditions"`
	Stats      store.RunStats `json:"stats"`
	Elapsed    time.Duration  `json:"elapsed"`
}

// Runner evaluates snapshots against the effective condition set and
// persists the results chunk by chunk.
type Runner struct {
	conditions ConditionSource
	writer     OutcomeWriter
	runs       RunLog
	opts       Options
}

// New creates a Runner. A nil writer evaluates without persisting and a nil
// run log skips run bookkeeping.
func New(conditions ConditionSource, writer OutcomeWriter, runs RunLog, opts Options) *Runner {
	def := DefaultOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("batch", "save_outcomes")
	}
	return &Runner{conditions: conditions, writer: writer, runs: runs, opts: opts}
}

// Run processes every record of src. The condition set is loaded once and
// shared by all customers of the run. Chunks committed before a failure
// stay committed; the run is then marked failed.
func (r *Runner) Run(ctx context.Context, src io.Reader, ro RunOptions) (*Summary, error) {
	start := time.Now()
	asOf := stage.DateOf(ro.AsOf)
	log := zap.L().With(
		zap.String("component", "batch"),
		zap.String("as_of", asOf.Format(time.DateOnly)),
	)

	conds, err := r.conditions.EffectiveConditions(ctx, asOf)
	if err != nil {
		return nil, eris.Wrap(err, "batch: load conditions")
	}
	if len(conds) == 0 {
		log.Warn("no conditions in effect; every customer will be NONE")
	}

	sum := &Summary{
		AsOf:       asOf,
		Conditions: len(conds),
		Stats:      store.RunStats{ByStage: make(map[string]int)},
	}

	if r.runs != nil {
		run, err := r.runs.StartRun(ctx, store.RunStart{AsOf: asOf, Input: ro.Input})
		if err != nil {
			return nil, eris.Wrap(err, "batch: start run")
		}
		sum.RunID = run.ID
		log = log.With(zap.String("run_id", run.ID))
	}

	log.Info("batch run started",
		zap.String("input", ro.Input),
		zap.Int("conditions", len(conds)),
		zap.Int("chunk_size", r.opts.ChunkSize),
		zap.Int("concurrency", r.opts.Concurrency),
	)

	runErr := r.process(ctx, src, asOf, conds, sum, log)
	sum.Elapsed = time.Since(start)

	if runErr != nil {
		log.Error("batch run failed", zap.Error(runErr), zap.Int("persisted", sum.Stats.Persisted))
		if r.runs != nil {
			// The run row must be closed even when ctx was cancelled.
			if err := r.runs.FailRun(context.WithoutCancel(ctx), sum.RunID, sum.Stats, runErr); err != nil {
				log.Error("failed to record run failure", zap.Error(err))
			}
		}
		return sum, runErr
	}

	if r.runs != nil {
		if err := r.runs.CompleteRun(ctx, sum.RunID, sum.Stats); err != nil {
			return sum, eris.Wrap(err, "batch: complete run")
		}
	}

	log.Info("batch run complete",
		zap.Int("read", sum.Stats.Read),
		zap.Int("skipped", sum.Stats.Skipped),
		zap.Int("persisted", sum.Stats.Persisted),
		zap.Int("transitions", sum.Stats.Transitions),
		zap.Duration("elapsed", sum.Elapsed),
	)
	return sum, nil
}

func (r *Runner) process(ctx context.Context, src io.Reader, asOf time.Time, conds []stage.Condition, sum *Summary, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel() // unblocks the stream goroutine on early return

	recCh, errCh := snapshot.Stream(ctx, src, snapshot.Options{
		Delimiter:  r.opts.Delimiter,
		SkipHeader: true,
		TrimSpace:  r.opts.TrimSpace,
	})

	chunk := make([]snapshot.Record, 0, r.opts.ChunkSize)
	for rec := range recCh {
		sum.Stats.Read++
		chunk = append(chunk, rec)
		if len(chunk) < r.opts.ChunkSize {
			continue
		}
		if err := r.flush(ctx, chunk, asOf, conds, sum, log); err != nil {
			return err
		}
		chunk = chunk[:0]
	}
	if err := <-errCh; err != nil {
		return eris.Wrap(err, "batch: read snapshot")
	}
	if len(chunk) > 0 {
		return r.flush(ctx, chunk, asOf, conds, sum, log)
	}
	return nil
}

// flush evaluates a chunk concurrently, keeps input order, and persists the
// successful outcomes in one transaction.
func (r *Runner) flush(ctx context.Context, chunk []snapshot.Record, asOf time.Time, conds []stage.Condition, sum *Summary, log *zap.Logger) error {
	outcomes := make([]stage.Outcome, len(chunk))
	errs := make([]error, len(chunk))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, rec := range chunk {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i], errs[i] = evaluate(rec, asOf, conds)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "batch: evaluate chunk")
	}

	keep := make([]stage.Outcome, 0, len(chunk))
	for i, rec := range chunk {
		if err := errs[i]; err != nil {
			if !r.opts.SkipFailed {
				return err
			}
			sum.Stats.Skipped++
			log.Warn("skipping record",
				zap.Int("line", rec.Line),
				zap.String("customer_id", rec.CustomerID),
				zap.Error(err),
			)
			continue
		}
		keep = append(keep, outcomes[i])
	}
	sum.Stats.Evaluated += len(keep)

	if r.writer != nil && len(keep) > 0 {
		persisted, err := resilience.DoVal(ctx, r.opts.Retry, func(ctx context.Context) ([]stage.Persisted, error) {
			return r.writer.SaveOutcomes(ctx, sum.RunID, keep)
		})
		if err != nil {
			return eris.Wrapf(err, "batch: persist chunk ending at line %d", chunk[len(chunk)-1].Line)
		}
		sum.Stats.Persisted += len(persisted)
	}

	for _, o := range keep {
		sum.Stats.ByStage[o.Calculation.FinalStageCode.String()]++
		if t := o.Transition; t != nil {
			sum.Stats.Transitions++
			if t.IsPromotion() {
				sum.Stats.Promotions++
			} else {
				sum.Stats.Demotions++
			}
		}
	}

	log.Debug("chunk done",
		zap.Int("records", len(chunk)),
		zap.Int("kept", len(keep)),
		zap.Int("last_line", chunk[len(chunk)-1].Line),
	)
	return nil
}

func evaluate(rec snapshot.Record, asOf time.Time, conds []stage.Condition) (stage.Outcome, error) {
	if rec.Err != nil {
		return stage.Outcome{}, rec.Err
	}
	if date := stage.DateOf(rec.Input.CalculationDate); !date.Equal(asOf) {
		return stage.Outcome{}, eris.Wrapf(ErrDateMismatch, "batch: line %d: %s is not %s",
			rec.Line, date.Format(time.DateOnly), asOf.Format(time.DateOnly))
	}
	o, err := stage.Evaluate(rec.Input, conds)
	if err != nil {
		return stage.Outcome{}, eris.Wrapf(err, "batch: line %d", rec.Line)
	}
	return o, nil
}
