// Package snapshot decodes month-end customer snapshot files into engine
// inputs.
package snapshot

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/stage-batch/internal/stage"
)

// Columns is the positional layout of a snapshot row.
var Columns = []string{
	"customerId",
	"currentStageCode",
	"monthEndDate",
	"totalBalance",
	"foreignCurrencyBalance",
	"investmentTrustBalance",
	"monthlyForeignCurrencyPurchase",
	"monthlyInvestmentTrustPurchase",
	"housingLoanBalance",
	"monthlyFxTradingVolume",
}

// ErrMalformedRecord is wrapped by every per-row decode failure.
var ErrMalformedRecord = eris.New("snapshot: malformed record")

// Options configures Stream.
type Options struct {
	Delimiter rune // default ','
	// SkipHeader drops the first row. Snapshot files always carry one, so
	// callers normally set it.
	SkipHeader bool
	TrimSpace  bool
}

// Record is one decoded row. Line is 1-based and counts the header. When Err
// is set, Input is the zero value. CustomerID is the raw first field and is
// kept for failed rows too.
type Record struct {
	Line       int
	CustomerID string
	Input      stage.Input
	Err        error
}

// Stream reads a snapshot and sends decoded records to a channel. Rows that
// fail to decode are still sent, with Err set, so the caller decides whether
// to skip or abort. Read failures and cancellation end the stream and are
// sent on the error channel. Both channels are closed when processing
// completes.
func Stream(ctx context.Context, r io.Reader, opts Options) (<-chan Record, <-chan error) {
	recCh := make(chan Record, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(recCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.FieldsPerRecord = -1 // checked per row so one bad row is not fatal
		reader.ReuseRecord = true

		line := 0
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "snapshot: context cancelled")
				return
			}

			fields, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "snapshot: read row")
				return
			}
			line++

			if line == 1 && opts.SkipHeader {
				continue
			}
			if opts.TrimSpace {
				for i, f := range fields {
					fields[i] = strings.TrimSpace(f)
				}
			}

			rec := Record{Line: line}
			if len(fields) > 0 {
				rec.CustomerID = strings.TrimSpace(fields[0])
			}
			rec.Input, rec.Err = Decode(fields)
			if rec.Err != nil {
				rec.Err = eris.Wrapf(rec.Err, "snapshot: line %d", line)
			}

			select {
			case recCh <- rec:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "snapshot: context cancelled")
				return
			}
		}
	}()

	return recCh, errCh
}

// Decode maps one positional row onto a stage.Input.
func Decode(fields []string) (stage.Input, error) {
	if len(fields) != len(Columns) {
		return stage.Input{}, eris.Wrapf(ErrMalformedRecord, "expected %d fields, got %d", len(Columns), len(fields))
	}

	d := decoder{fields: fields}
	in := stage.Input{CustomerID: d.text(0)}
	if in.CustomerID == "" {
		return stage.Input{}, eris.Wrap(ErrMalformedRecord, "customerId is empty")
	}
	in.CurrentStageCode = d.code(1)
	in.CalculationDate = d.date(2)
	in.Source = stage.Source{
		TotalBalance:                   d.decimal(3),
		ForeignCurrencyBalance:         d.decimal(4),
		InvestmentTrustBalance:         d.decimal(5),
		MonthlyForeignCurrencyPurchase: d.decimal(6),
		MonthlyInvestmentTrustPurchase: d.decimal(7),
		HousingLoanBalance:             d.decimal(8),
		MonthlyFxTradingVolume:         d.integer(9),
	}
	if d.err != nil {
		return stage.Input{}, d.err
	}
	return in, nil
}

// decoder keeps the first field error so Decode reads straight through.
type decoder struct {
	fields []string
	err    error
}

func (d *decoder) text(i int) string {
	return d.fields[i]
}

func (d *decoder) fail(i int, err error) {
	if d.err == nil {
		d.err = eris.Wrapf(ErrMalformedRecord, "%s %q: %v", Columns[i], d.fields[i], err)
	}
}

func (d *decoder) code(i int) stage.Code {
	c, err := stage.ParseCode(d.fields[i])
	if err != nil {
		d.fail(i, err)
	}
	return c
}

func (d *decoder) date(i int) time.Time {
	t, err := time.Parse(time.DateOnly, d.fields[i])
	if err != nil {
		d.fail(i, err)
	}
	return t
}

func (d *decoder) decimal(i int) decimal.Decimal {
	v, err := decimal.NewFromString(d.fields[i])
	if err != nil {
		d.fail(i, err)
	}
	return v
}

func (d *decoder) integer(i int) int {
	n, err := strconv.Atoi(d.fields[i])
	if err != nil {
		d.fail(i, err)
	}
	return n
}
