package shardkeeper

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"testing"
	"time"
)

func TestExponential_Delay(t *testing.T) {
	t.Parallel()
	b := Exponential{Initial: 100 * time.Millisecond, Max: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: -1, want: 0},
		{attempt: 0, want: 0},
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 400 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
		{attempt: 5, want: time.Second},
		{attempt: 500, want: time.Second},
	}
	for _, tc := range tests {
		t.Run(
			fmt.Sprintf("attempt_%d", tc.attempt), func(t *testing.T) {
				assert.Equal(t, tc.want, b.Delay(tc.attempt))
			},
		)
	}

	assert.Zero(t, Exponential{}.Delay(3))
	assert.Equal(
		t,
		8*time.Second,
		Exponential{Initial: time.Second}.Delay(4),
		"no cap without max",
	)
}

func TestRestartBudget(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	budget := newRestartBudget(2, time.Minute)

	count, allowed := budget.record(start)
	assert.Equal(t, 1, count)
	assert.True(t, allowed)

	count, allowed = budget.record(start.Add(10 * time.Second))
	assert.Equal(t, 2, count)
	assert.True(t, allowed)

	count, allowed = budget.record(start.Add(20 * time.Second))
	assert.Equal(t, 3, count)
	assert.False(t, allowed)

	// crashes older than the window no longer count
	count, allowed = budget.record(start.Add(75 * time.Second))
	assert.Equal(t, 2, count)
	assert.True(t, allowed)
}

func TestRestartBudget_Zero(t *testing.T) {
	t.Parallel()
	budget := newRestartBudget(0, time.Minute)
	_, allowed := budget.record(time.Now())
	assert.False(t, allowed)
}
