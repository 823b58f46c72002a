package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAttempter returns scripted outcomes per target key.
type fakeAttempter struct {
	mu       sync.Mutex
	outcomes map[string]OutcomeKind
	attempts []string
}

func (f *fakeAttempter) Run(ctx context.Context, target Target, mode Mode) *ExecutionResult {
	f.mu.Lock()
	f.attempts = append(f.attempts, target.Key())
	f.mu.Unlock()

	kind, ok := f.outcomes[target.Key()]
	if !ok {
		kind = OutcomeSucceeded
	}
	return &ExecutionResult{
		ID:        NewID(),
		Target:    target,
		Mode:      mode,
		Outcome:   Outcome{Kind: kind},
		StartedAt: time.Now().UTC(),
		Duration:  time.Millisecond,
	}
}

func (f *fakeAttempter) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func makeTargets(n int) []Target {
	targets := make([]Target, 0, n)
	for i := 0; i < n; i++ {
		targets = append(targets, Target{
			Name:            fmt.Sprintf("example.com/mod%03d", i),
			ResolvedVersion: "v1.0.0",
		})
	}
	return targets
}

func TestSchedulerRunsAllTargets(t *testing.T) {
	store := newMemStore(t)
	attempter := &fakeAttempter{}
	scheduler := NewScheduler(store, attempter, testLogger(), 2, 0, false)

	summary, err := scheduler.Run(context.Background(),
		&Resolution{Worklist: makeTargets(5)}, ModeBuild)
	require.NoError(t, err)

	assert.Equal(t, 5, attempter.attemptCount())
	assert.Equal(t, 5, summary[OutcomeSucceeded])
	assert.Equal(t, 5, store.count())
}

func TestSchedulerResumeSkipsCommittedTargets(t *testing.T) {
	store := newMemStore(t)
	targets := makeTargets(2)

	original := &ExecutionResult{
		ID:         NewID(),
		Target:     targets[0],
		Mode:       ModeBuild,
		Outcome:    Outcome{Kind: OutcomeFailed},
		StartedAt:  time.Now().UTC(),
		LogExcerpt: "from a previous run",
	}
	require.NoError(t, store.Append(context.Background(), original))

	attempter := &fakeAttempter{}
	scheduler := NewScheduler(store, attempter, testLogger(), 2, 0, false)

	summary, err := scheduler.Run(context.Background(),
		&Resolution{Worklist: targets}, ModeBuild)
	require.NoError(t, err)

	// Only the uncommitted target ran; the existing result is untouched.
	assert.Equal(t, []string{targets[1].Key()}, attempter.attempts)
	kept := store.get(targets[0].Name, targets[0].ResolvedVersion, ModeBuild)
	assert.Equal(t, "from a previous run", kept.LogExcerpt)
	assert.Equal(t, 1, summary[OutcomeSucceeded])
}

func TestSchedulerResumeIsPerMode(t *testing.T) {
	store := newMemStore(t)
	targets := makeTargets(1)
	require.NoError(t, store.Append(context.Background(), &ExecutionResult{
		ID:      NewID(),
		Target:  targets[0],
		Mode:    ModeBuild,
		Outcome: Outcome{Kind: OutcomeSucceeded},
	}))

	attempter := &fakeAttempter{}
	scheduler := NewScheduler(store, attempter, testLogger(), 1, 0, false)

	_, err := scheduler.Run(context.Background(),
		&Resolution{Worklist: targets}, ModeTest)
	require.NoError(t, err)

	// A build result does not satisfy a test run for the same target.
	assert.Equal(t, 1, attempter.attemptCount())
}

func TestSchedulerRerunForgetsCommittedTargets(t *testing.T) {
	store := newMemStore(t)
	targets := makeTargets(1)
	require.NoError(t, store.Append(context.Background(), &ExecutionResult{
		ID:      NewID(),
		Target:  targets[0],
		Mode:    ModeBuild,
		Outcome: Outcome{Kind: OutcomeFailed},
	}))

	attempter := &fakeAttempter{}
	scheduler := NewScheduler(store, attempter, testLogger(), 1, 0, true)

	_, err := scheduler.Run(context.Background(),
		&Resolution{Worklist: targets}, ModeBuild)
	require.NoError(t, err)

	assert.Equal(t, 1, attempter.attemptCount())
	assert.NotEmpty(t, store.forgotten)
	assert.Equal(t, OutcomeSucceeded, store.get(targets[0].Name, targets[0].ResolvedVersion, ModeBuild).Outcome.Kind)
}

func TestSchedulerCommitsResolverSkips(t *testing.T) {
	store := newMemStore(t)
	attempter := &fakeAttempter{}
	scheduler := NewScheduler(store, attempter, testLogger(), 1, 0, false)

	reason := "module not in registry"
	resolution := &Resolution{
		Skipped: []*ExecutionResult{{
			ID:      NewID(),
			Target:  Target{Name: "example.com/missing"},
			Mode:    ModeBuild,
			Outcome: Outcome{Kind: OutcomeSkipped, Reason: &reason},
		}},
	}

	summary, err := scheduler.Run(context.Background(), resolution, ModeBuild)
	// All specifiers skipped means zero resolvable targets: run-level error,
	// but the skip records are still committed.
	require.ErrorIs(t, err, ErrNoTargets)
	assert.Equal(t, 1, summary[OutcomeSkipped])
	assert.Equal(t, 1, store.count())
	assert.Zero(t, attempter.attemptCount())
}

func TestSchedulerBreakerTripsOnConsecutiveAbnormal(t *testing.T) {
	store := newMemStore(t)
	targets := makeTargets(10)
	outcomes := make(map[string]OutcomeKind)
	for _, target := range targets {
		outcomes[target.Key()] = OutcomeCrashed
	}
	attempter := &fakeAttempter{outcomes: outcomes}
	scheduler := NewScheduler(store, attempter, testLogger(), 1, 3, false)

	summary, err := scheduler.Run(context.Background(),
		&Resolution{Worklist: targets}, ModeBuild)

	require.ErrorIs(t, err, ErrBreakerTripped)
	// Intake halts once the threshold is reached; with one worker that is
	// exactly the threshold.
	assert.Equal(t, 3, attempter.attemptCount())
	assert.Equal(t, 3, summary[OutcomeCrashed])
}

func TestSchedulerBreakerResetsOnNormalOutcome(t *testing.T) {
	store := newMemStore(t)
	targets := makeTargets(6)
	outcomes := map[string]OutcomeKind{
		targets[0].Key(): OutcomeTimedOut,
		targets[1].Key(): OutcomeSucceeded,
		targets[2].Key(): OutcomeCrashed,
		targets[3].Key(): OutcomeFailed,
		targets[4].Key(): OutcomeTimedOut,
	}
	attempter := &fakeAttempter{outcomes: outcomes}
	scheduler := NewScheduler(store, attempter, testLogger(), 1, 2, false)

	_, err := scheduler.Run(context.Background(),
		&Resolution{Worklist: targets}, ModeBuild)
	require.NoError(t, err)
	assert.Equal(t, 6, attempter.attemptCount())
}

func TestSchedulerBreakerDisabled(t *testing.T) {
	store := newMemStore(t)
	targets := makeTargets(4)
	outcomes := make(map[string]OutcomeKind)
	for _, target := range targets {
		outcomes[target.Key()] = OutcomeCrashed
	}
	attempter := &fakeAttempter{outcomes: outcomes}
	scheduler := NewScheduler(store, attempter, testLogger(), 2, 0, false)

	summary, err := scheduler.Run(context.Background(),
		&Resolution{Worklist: targets}, ModeBuild)
	require.NoError(t, err)
	assert.Equal(t, 4, summary[OutcomeCrashed])
}

func TestSchedulerNeverCommitsDuplicateKeys(t *testing.T) {
	store := newMemStore(t)
	targets := makeTargets(40)
	attempter := &fakeAttempter{}
	scheduler := NewScheduler(store, attempter, testLogger(), 8, 0, false)

	_, err := scheduler.Run(context.Background(),
		&Resolution{Worklist: targets}, ModeBuild)
	require.NoError(t, err)

	assert.Equal(t, 40, attempter.attemptCount())
	assert.Equal(t, 40, store.count())
}

func TestSchedulerEmptyWorklistIsError(t *testing.T) {
	store := newMemStore(t)
	scheduler := NewScheduler(store, &fakeAttempter{}, testLogger(), 1, 0, false)

	_, err := scheduler.Run(context.Background(), &Resolution{}, ModeBuild)
	require.ErrorIs(t, err, ErrNoTargets)
}

func TestSchedulerCancelStopsDispatch(t *testing.T) {
	store := newMemStore(t)
	attempter := &fakeAttempter{}
	scheduler := NewScheduler(store, attempter, testLogger(), 2, 0, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := scheduler.Run(ctx, &Resolution{Worklist: makeTargets(5)}, ModeBuild)
	require.NoError(t, err)
	assert.Zero(t, attempter.attemptCount())
}

func TestSchedulerStoreFailureIsFatal(t *testing.T) {
	store := newMemStore(t)
	store.appendErr = errors.New("disk full")
	attempter := &fakeAttempter{}
	scheduler := NewScheduler(store, attempter, testLogger(), 1, 0, false)

	_, err := scheduler.Run(context.Background(),
		&Resolution{Worklist: makeTargets(3)}, ModeBuild)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "result store unwritable")
}
