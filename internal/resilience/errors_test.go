package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid input"), false},
		{"explicit", NewTransientError(errors.New("busy")), true},
		{"wrapped explicit", eris.Wrap(NewTransientError(errors.New("busy")), "store: save"), true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"connection exception class", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"undefined table", eris.Wrap(&pgconn.PgError{Code: "42P01"}, "store: insert"), false},
		{"net timeout", fmt.Errorf("query: %w", timeoutErr{}), true},
		{"connection reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"connection refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"broken pipe text", errors.New("write: broken pipe"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "transient", ClassifyError(&pgconn.PgError{Code: "40001"}))
	assert.Equal(t, "permanent", ClassifyError(errors.New("bad row")))
}
