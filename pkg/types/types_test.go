package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusQueued, false},
		{StatusProvisioning, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.Terminal(), "%s", tt.status)
	}
}

func TestPriorityValid(t *testing.T) {
	assert.True(t, PriorityNormal.Valid())
	assert.True(t, PriorityHigh.Valid())
	assert.False(t, Priority("urgent").Valid())
	assert.False(t, Priority("").Valid())
}

func TestEventKindStatusFor(t *testing.T) {
	assert.Equal(t, StatusQueued, EventQueued.StatusFor())
	assert.Equal(t, StatusCompleted, EventCompleted.StatusFor())
	assert.Equal(t, StatusCancelled, EventCancelled.StatusFor())
}

func TestTruncateOutput(t *testing.T) {
	assert.Equal(t, "abc", TruncateOutput("abc", 10), "under the bound")
	assert.Equal(t, "abc", TruncateOutput("abc", 3), "exactly at the bound")
	assert.Equal(t, "ab"+TruncationMarker, TruncateOutput("abc", 2))
	assert.Equal(t, "abc", TruncateOutput("abc", 0), "zero disables the bound")

	long := strings.Repeat("x", 1<<20)
	got := TruncateOutput(long, 1024)
	assert.Len(t, got, 1024+len(TruncationMarker))
}
