package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(StatusSubmitted))
	assert.False(t, IsTerminal(StatusProcessing))
	assert.True(t, IsTerminal(StatusCompleted))
	assert.True(t, IsTerminal(StatusFailed))
	assert.True(t, IsTerminal(StatusCancelled))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{"submitted starts processing", StatusSubmitted, StatusProcessing, true},
		{"submitted can be cancelled", StatusSubmitted, StatusCancelled, true},
		{"submitted can fail", StatusSubmitted, StatusFailed, true},
		{"submitted cannot complete directly", StatusSubmitted, StatusCompleted, false},
		{"processing completes", StatusProcessing, StatusCompleted, true},
		{"processing fails", StatusProcessing, StatusFailed, true},
		{"processing can be cancelled", StatusProcessing, StatusCancelled, true},
		{"cancelled never completes", StatusCancelled, StatusCompleted, false},
		{"cancelled never fails", StatusCancelled, StatusFailed, false},
		{"completed is sticky", StatusCompleted, StatusFailed, false},
		{"failed is sticky", StatusFailed, StatusProcessing, false},
		{"no self transition from terminal", StatusCancelled, StatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTimedOut(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(-time.Minute)

	tests := []struct {
		name   string
		record JobRecord
		want   bool
	}{
		{"processing past deadline", JobRecord{Status: StatusProcessing, TimeoutAt: deadline}, true},
		{"processing before deadline", JobRecord{Status: StatusProcessing, TimeoutAt: now.Add(time.Minute)}, false},
		{"submitted never times out", JobRecord{Status: StatusSubmitted, TimeoutAt: deadline}, false},
		{"completed never times out", JobRecord{Status: StatusCompleted, TimeoutAt: deadline}, false},
		{"cancelled never times out", JobRecord{Status: StatusCancelled, TimeoutAt: deadline}, false},
		{"zero deadline never times out", JobRecord{Status: StatusProcessing}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.record.TimedOut(now))
		})
	}
}
