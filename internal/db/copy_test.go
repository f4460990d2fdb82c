package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "condition_evaluation_results", []string{"a", "b"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"calculation_id", "condition_id", "is_met"}
	mock.ExpectCopyFrom(pgx.Identifier{"condition_evaluation_results"}, cols).WillReturnResult(3)

	rows := [][]any{{int64(1), 1, true}, {int64(1), 2, false}, {int64(1), 3, false}}
	n, err := CopyFrom(context.Background(), mock, "condition_evaluation_results", cols, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_InsideTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"loyalty", "results"}, []string{"a"}).WillReturnResult(1)
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)
	n, err := CopyFrom(ctx, tx, "loyalty.results", []string{"a"}, [][]any{{1}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"stage_transitions"}, []string{"a", "b"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "stage_transitions", []string{"a", "b"}, [][]any{{1, "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO stage_transitions")
	assert.NoError(t, mock.ExpectationsWereMet())
}
