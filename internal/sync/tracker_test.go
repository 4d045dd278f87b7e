package sync

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/notrition/internal/apperrors"
)

// gatedSeq yields the given phases, waiting for release before the last one.
func gatedSeq(release <-chan struct{}, err error, phases ...Phase) iter.Seq2[Progress, error] {
	return func(yield func(Progress, error) bool) {
		for i, phase := range phases {
			if i == len(phases)-1 {
				<-release
			}
			if !yield(Progress{Phase: phase}, nil) {
				return
			}
		}
		if err != nil {
			yield(Progress{}, err)
		}
	}
}

func waitFor(t *testing.T, tracker *Tracker) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tracker.Wait(ctx))
}

func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	assert.False(t, tracker.State().IsRunning)
	waitFor(t, tracker)

	release := make(chan struct{})
	require.NoError(t, tracker.Start(context.Background(), gatedSeq(release, nil, PhaseFetchNotion, PhaseDone)))

	assert.Eventually(t, func() bool {
		state := tracker.State()
		return state.Progress != nil && state.Progress.Phase == PhaseFetchNotion
	}, time.Second, 5*time.Millisecond)
	assert.True(t, tracker.State().IsRunning)

	err := tracker.Start(context.Background(), gatedSeq(release, nil, PhaseDone))
	require.ErrorIs(t, err, apperrors.ErrAlreadyRunning)

	close(release)
	waitFor(t, tracker)

	state := tracker.State()
	assert.False(t, state.IsRunning)
	require.NoError(t, state.Err)
	assert.Equal(t, PhaseDone, state.Progress.Phase)
}

func TestTrackerRecordsError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	release := make(chan struct{})
	close(release)

	tracker := NewTracker()
	require.NoError(t, tracker.Start(context.Background(), gatedSeq(release, boom, PhaseFetchNotion)))
	waitFor(t, tracker)

	state := tracker.State()
	assert.False(t, state.IsRunning)
	require.ErrorIs(t, state.Err, boom)
	assert.Equal(t, PhaseFetchNotion, state.Progress.Phase)

	// A new run clears the previous outcome.
	require.NoError(t, tracker.Start(context.Background(), gatedSeq(release, nil, PhaseDone)))
	waitFor(t, tracker)
	require.NoError(t, tracker.State().Err)
}

func TestTrackerStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	release := make(chan struct{})
	close(release)

	tracker := NewTracker()
	require.NoError(t, tracker.Start(ctx, gatedSeq(release, nil, PhaseReadCache, PhaseFetchNotion, PhaseDone)))
	waitFor(t, tracker)

	state := tracker.State()
	require.ErrorIs(t, state.Err, context.Canceled)
	assert.Equal(t, PhaseReadCache, state.Progress.Phase)
}

func TestTrackerRegistry(t *testing.T) {
	t.Parallel()

	registry := NewTrackerRegistry()
	assert.Nil(t, registry.Lookup("u", "p"))

	tracker := registry.Get("u", "p")
	assert.Same(t, tracker, registry.Get("u", "p"))
	assert.Same(t, tracker, registry.Lookup("u", "p"))
	assert.NotSame(t, tracker, registry.Get("other", "p"))

	registry.Forget("u", "p")
	assert.Nil(t, registry.Lookup("u", "p"))
}
