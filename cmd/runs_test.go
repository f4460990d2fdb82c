//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/stage-batch/internal/store"
)

func ptrTime(t time.Time) *time.Time { return &t }

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 5, 1, 2, 30, 0, 0, time.UTC)
	runs := []store.Run{
		{
			ID:          "abc12345-6789-0000-0000-000000000000",
			Status:      store.RunStatusComplete,
			AsOf:        time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC),
			StartedAt:   now,
			CompletedAt: ptrTime(now.Add(2 * time.Minute)),
			Stats:       store.RunStats{Persisted: 12500, Transitions: 1830},
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Status:    store.RunStatusRunning,
			AsOf:      time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC),
			StartedAt: now.Add(time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "AS_OF")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "2025-04-30")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "12,500")
	assert.Contains(t, output, "1,830")
	assert.Contains(t, output, "2m0s")
	assert.Contains(t, output, "running")
	assert.Contains(t, output, "2025-05-01 02:30")
}

func TestFormatRunsList_FailedRun(t *testing.T) {
	now := time.Date(2025, 5, 1, 2, 30, 0, 0, time.UTC)
	runs := []store.Run{
		{
			ID:          "abc12345-6789-0000-0000-000000000000",
			Status:      store.RunStatusFailed,
			StartedAt:   now,
			CompletedAt: ptrTime(now.Add(30 * time.Second)),
			Error:       "batch: persist chunk ending at line 201: deadlock detected",
			ErrorType:   "transient",
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "failed")
	assert.Contains(t, output, "transient")
	assert.Contains(t, output, "30s")
}

func TestRunsStats(t *testing.T) {
	now := time.Date(2025, 5, 1, 2, 0, 0, 0, time.UTC)

	runs := []store.Run{
		{ID: "1", Status: store.RunStatusComplete, StartedAt: now, CompletedAt: ptrTime(now.Add(60 * time.Second)),
			Stats: store.RunStats{Persisted: 100, Transitions: 10}},
		{ID: "2", Status: store.RunStatusComplete, StartedAt: now, CompletedAt: ptrTime(now.Add(120 * time.Second)),
			Stats: store.RunStats{Persisted: 50, Transitions: 5}},
		{ID: "3", Status: store.RunStatusFailed, StartedAt: now, ErrorType: "transient"},
		{ID: "4", Status: store.RunStatusFailed, StartedAt: now, ErrorType: "permanent"},
		{ID: "5", Status: store.RunStatusFailed, StartedAt: now, ErrorType: "permanent"},
		{ID: "6", Status: store.RunStatusRunning, StartedAt: now},
	}

	s := computeRunStats(runs)
	assert.Equal(t, 6, s.Total)
	assert.Equal(t, 2, s.Complete)
	assert.Equal(t, 3, s.Failed)
	assert.Equal(t, 1, s.Transient)
	assert.Equal(t, 2, s.Permanent)
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, 150, s.Customers)
	assert.Equal(t, 15, s.Transitions)
	assert.InDelta(t, 90.0, s.AvgDurSecs, 0.1)
}

func TestRunsStats_Empty(t *testing.T) {
	s := computeRunStats(nil)
	assert.Equal(t, 0, s.Total)
	assert.Equal(t, 0.0, s.AvgDurSecs)
}

func TestFormatRunStats(t *testing.T) {
	s := runStats{
		Total:       10,
		Complete:    7,
		Failed:      2,
		Transient:   1,
		Permanent:   1,
		Running:     1,
		Customers:   1250000,
		Transitions: 3200,
		AvgDurSecs:  45.5,
	}

	var buf bytes.Buffer
	formatRunStats(&buf, s)

	output := buf.String()
	assert.Contains(t, output, "Total runs:")
	assert.Contains(t, output, "10")
	assert.Contains(t, output, "Transient:")
	assert.Contains(t, output, "1,250,000")
	assert.Contains(t, output, "3,200")
	assert.Contains(t, output, "45.5s")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789-0000-0000-000000000000"))
	assert.Equal(t, "short", truncateID("short"))
	assert.Equal(t, "", truncateID(""))
}
