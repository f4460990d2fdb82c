package db

import (
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Numeric converts d into a NUMERIC parameter without losing scale.
func Numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}


// Decimal converts a scanned NUMERIC back into a decimal. NULL, NaN and
// infinities are rejected.
func Decimal(n pgtype.Numeric) (decimal.Decimal, error) {
	switch {
	case !n.Valid:
		return decimal.Zero, eris.New("db: numeric is NULL")
	case n.NaN:
		return decimal.Zero, eris.New("db: numeric is NaN")
	case n.InfinityModifier != pgtype.Finite:
		return decimal.Zero, eris.New("db: numeric is infinite")
	case n.Int == nil:
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), nil
}

// NullDecimal is Decimal for nullable columns; NULL scans as nil.
func NullDecimal(n pgtype.Numeric) (*decimal.Decimal, error) {
	if !n.Valid {
		return nil, nil
	}
	d, err := Decimal(n)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
