package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "conditions",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "conditions",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "conditions",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Statements(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"id", "name", "valid_to"}
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_conditions" \(LIKE "conditions" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_conditions"}, cols).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "conditions" \("id", "name", "valid_to"\) SELECT .* ON CONFLICT \("id"\) DO UPDATE SET "name" = EXCLUDED."name", "valid_to" = EXCLUDED."valid_to"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "conditions",
		Columns:      cols,
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a", "9999-12-31"}, {2, "b", "9999-12-31"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_OnlyKeysDoesNothing(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_stages"}, []string{"code"}).WillReturnResult(1)
	mock.ExpectExec(`ON CONFLICT \("code"\) DO NOTHING`).WillReturnResult(pgxmock.NewResult("INSERT", 0))

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "stages",
		Columns:      []string{"code"},
		ConflictKeys: []string{"code"},
	}, [][]any{{"GOLD"}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"loyalty.stages", `"loyalty"."stages"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, identifier(tt.input).Sanitize())
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
