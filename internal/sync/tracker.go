package sync

import (
	"context"
	"iter"
	gosync "sync"

	"github.com/fclairamb/notrition/internal/apperrors"
)

// TrackerState is a snapshot of a tracked run.
type TrackerState struct {
	IsRunning bool      `json:"is_running"`
	Err       error     `json:"-"`
	Progress  *Progress `json:"progress,omitempty"`
}

// Tracker consumes one sync at a time in the background and remembers where it is.
type Tracker struct {
	mu    gosync.Mutex
	state TrackerState
	done  chan struct{}
}

// NewTracker creates an idle tracker.
func NewTracker() *Tracker {
	done := make(chan struct{})
	close(done)
	return &Tracker{done: done}
}

// Start consumes seq on a new goroutine. It returns ErrAlreadyRunning if a run is in progress.
// The previous error and progress are cleared.
func (t *Tracker) Start(ctx context.Context, seq iter.Seq2[Progress, error]) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.IsRunning {
		return apperrors.ErrAlreadyRunning
	}
	t.state = TrackerState{IsRunning: true}
	done := make(chan struct{})
	t.done = done

	go func() {
		defer close(done)
		t.consume(ctx, seq)
	}()
	return nil
}

func (t *Tracker) consume(ctx context.Context, seq iter.Seq2[Progress, error]) {
	var runErr error
	for progress, err := range seq {
		if err != nil {
			runErr = err
			break
		}
		t.mu.Lock()
		t.state.Progress = &progress
		t.mu.Unlock()

		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
	}

	t.mu.Lock()
	t.state.IsRunning = false
	t.state.Err = runErr
	t.mu.Unlock()
}

// State returns the current state.
func (t *Tracker) State() TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.state
	if state.Progress != nil {
		progress := *state.Progress
		state.Progress = &progress
	}
	return state
}

// Wait blocks until the current run, if any, has finished.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrackerRegistry holds one tracker per (user, page).
type TrackerRegistry struct {
	mu       gosync.Mutex
	trackers map[pageKey]*Tracker
}

// NewTrackerRegistry creates an empty registry.
func NewTrackerRegistry() *TrackerRegistry {
	return &TrackerRegistry{trackers: make(map[pageKey]*Tracker)}
}

// Get returns the tracker of a page, creating it when needed.
func (r *TrackerRegistry) Get(userID, pageID string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pageKey{userID: userID, pageID: pageID}
	tracker, ok := r.trackers[key]
	if !ok {
		tracker = NewTracker()
		r.trackers[key] = tracker
	}
	return tracker
}

// Lookup returns the tracker of a page, or nil when none was started.
func (r *TrackerRegistry) Lookup(userID, pageID string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trackers[pageKey{userID: userID, pageID: pageID}]
}

// Forget drops the tracker of a page if it is idle.
func (r *TrackerRegistry) Forget(userID, pageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pageKey{userID: userID, pageID: pageID}
	if tracker, ok := r.trackers[key]; ok && !tracker.State().IsRunning {
		delete(r.trackers, key)
	}
}
