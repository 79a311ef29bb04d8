package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripleh1701/pipelineforge/infrastructure/resilience"
)

func TestCountersTrackSuccessAndFailureSeparatelyFromRejections(t *testing.T) {
	cb := resilience.New(resilience.Config{Name: "jira", MaxFailures: 2, Timeout: time.Hour})
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	require.Error(t, cb.Execute(ctx, func() error { return errors.New("boom") }))

	counters := cb.Counters()
	assert.Equal(t, "jira", counters.Name)
	assert.Equal(t, resilience.StateClosed, counters.State)
	assert.EqualValues(t, 1, counters.TotalSuccesses)
	assert.EqualValues(t, 1, counters.TotalFailures)
	assert.EqualValues(t, 1, counters.ConsecutiveFailures)
	assert.EqualValues(t, 0, counters.Rejections)

	// One more failure trips the breaker; the next call is rejected without
	// ever invoking fn, and must be counted separately from a real failure.
	require.Error(t, cb.Execute(ctx, func() error { return errors.New("boom again") }))
	assert.Equal(t, resilience.StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	require.Error(t, err)
	assert.False(t, called, "a rejected call must never invoke fn")

	counters = cb.Counters()
	assert.EqualValues(t, 2, counters.TotalFailures)
	assert.EqualValues(t, 1, counters.Rejections)
	assert.EqualValues(t, 1, counters.TransitionsToOpen)
}

func TestResetForcesClosedAndClearsCounters(t *testing.T) {
	cb := resilience.New(resilience.Config{MaxFailures: 1, Timeout: time.Hour})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, func() error { return errors.New("boom") }))
	require.Equal(t, resilience.StateOpen, cb.State())

	cb.Reset()

	assert.Equal(t, resilience.StateClosed, cb.State())
	counters := cb.Counters()
	assert.EqualValues(t, 0, counters.TotalFailures)
	assert.EqualValues(t, 0, counters.ConsecutiveFailures)
	assert.EqualValues(t, 0, counters.TransitionsToOpen)
}

func TestResetMetricsClearsCountersWithoutChangingState(t *testing.T) {
	cb := resilience.New(resilience.Config{MaxFailures: 1, Timeout: time.Hour})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, func() error { return errors.New("boom") }))
	require.Equal(t, resilience.StateOpen, cb.State())

	cb.ResetMetrics()

	assert.Equal(t, resilience.StateOpen, cb.State(), "ResetMetrics must not force the breaker closed")
	counters := cb.Counters()
	assert.EqualValues(t, 0, counters.TotalFailures)
	assert.EqualValues(t, 0, counters.Rejections)
}

func TestStateTransitionsEmitOneEventEach(t *testing.T) {
	var transitions []resilience.State
	cb := resilience.New(resilience.Config{
		MaxFailures: 1,
		Timeout:     20 * time.Millisecond,
		HalfOpenMax: 1,
		OnStateChange: func(from, to resilience.State) {
			transitions = append(transitions, to)
		},
	})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, func() error { return errors.New("boom") }))
	require.Equal(t, []resilience.State{resilience.StateOpen}, transitions)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	require.Equal(t, []resilience.State{resilience.StateOpen, resilience.StateHalfOpen, resilience.StateClosed}, transitions)

	counters := cb.Counters()
	assert.EqualValues(t, 1, counters.TransitionsToOpen)
	assert.EqualValues(t, 1, counters.TransitionsToHalfOpen)
	assert.EqualValues(t, 1, counters.TransitionsToClosed)
}
