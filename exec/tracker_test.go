package exec_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/on-the-ground/statekit/exec"
)

func TestTracker_AllExecutedEmpty(t *testing.T) {
	tracker := exec.NewTracker(time.Second)
	cycle := tracker.Reset()

	done := make(chan error, 1)
	go func() { done <- tracker.AllExecuted(context.Background(), cycle) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("barrier with zero tracked entries must resolve immediately")
	}
}

func TestTracker_AllExecutedWaitsForAll(t *testing.T) {
	tracker := exec.NewTracker(time.Second)
	tracker.Track("a")
	tracker.Track("b")
	tracker.Track("b") // idempotent
	assert.Equal(t, 2, tracker.Tracked())
	cycle := tracker.Reset()

	done := make(chan error, 1)
	go func() { done <- tracker.AllExecuted(context.Background(), cycle) }()

	tracker.SetStatus("a", cycle, true)
	select {
	case <-done:
		t.Fatal("barrier resolved with one handle still pending")
	case <-time.After(50 * time.Millisecond):
	}

	tracker.SetStatus("b", cycle, true)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("barrier did not resolve after all handles reported")
	}
}

func TestTracker_CompleteUnblocks(t *testing.T) {
	tracker := exec.NewTracker(time.Second)
	tracker.Track("a")
	cycle := tracker.Reset()

	done := make(chan error, 1)
	go func() { done <- tracker.AllExecuted(context.Background(), cycle) }()

	tracker.Complete("a")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("completed handle must no longer gate the barrier")
	}
	assert.Equal(t, 0, tracker.Tracked())
}

func TestTracker_Timeout(t *testing.T) {
	tracker := exec.NewTracker(50 * time.Millisecond)
	tracker.Track("never")

	err := tracker.AllExecuted(context.Background(), tracker.Reset())
	require.ErrorIs(t, err, exec.ErrTrackerTimeout)
}

func TestTracker_ResetOpensFreshCycle(t *testing.T) {
	tracker := exec.NewTracker(80 * time.Millisecond)
	tracker.Track("a")

	first := tracker.Reset()
	tracker.SetStatus("a", first, true)
	require.NoError(t, tracker.AllExecuted(context.Background(), first))

	// the handle gates the next cycle again
	second := tracker.Reset()
	err := tracker.AllExecuted(context.Background(), second)
	require.ErrorIs(t, err, exec.ErrTrackerTimeout)
}

func TestTracker_StaleCycleReportDoesNotResolveNewerBarrier(t *testing.T) {
	tracker := exec.NewTracker(80 * time.Millisecond)
	tracker.Track("a")

	first := tracker.Reset()
	second := tracker.Reset()

	// a report belonging to the first cycle must not satisfy the second
	tracker.SetStatus("a", first, true)
	err := tracker.AllExecuted(context.Background(), second)
	require.ErrorIs(t, err, exec.ErrTrackerTimeout)

	// while a newer report satisfies both barriers
	tracker.SetStatus("a", second, true)
	require.NoError(t, tracker.AllExecuted(context.Background(), second))
	require.NoError(t, tracker.AllExecuted(context.Background(), first))
}

func TestTracker_LateJoinerDoesNotGateOpenCycle(t *testing.T) {
	tracker := exec.NewTracker(time.Second)
	cycle := tracker.Reset()
	tracker.Track("latecomer")

	done := make(chan error, 1)
	go func() { done <- tracker.AllExecuted(context.Background(), cycle) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("a handle tracked after the cycle opened must not gate it")
	}
}

func TestTracker_SetStatusUnknownHandle(t *testing.T) {
	tracker := exec.NewTracker(time.Second)
	tracker.SetStatus("ghost", 1, true)
	assert.Equal(t, 0, tracker.Tracked())
}
