package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ResultStore abstracts the persistence layer used by the scheduler and
// sandbox. All mutation of shared state goes through its serialized Append.
type ResultStore interface {
	Has(ctx context.Context, name, version string, mode Mode) (bool, error)
	Append(ctx context.Context, result *ExecutionResult) error
	Forget(ctx context.Context, name, version string, mode Mode) error
	Summarize(ctx context.Context, mode Mode) (map[OutcomeKind]int, error)

	// Log helpers
	ResultLogPath(resultID string) string
	EnsureLogDir() error
	PruneOldLogs(ctx context.Context) error
}

// Attempter executes a single attempt. Satisfied by *Sandbox.
type Attempter interface {
	Run(ctx context.Context, target Target, mode Mode) *ExecutionResult
}

// ErrBreakerTripped is returned when too many consecutive attempts crashed
// or timed out, which points at a broken host environment rather than
// broken targets.
var ErrBreakerTripped = errors.New("circuit breaker tripped: too many consecutive crashed/timed out attempts")

// ErrNoTargets is returned when a run resolves zero executable targets.
var ErrNoTargets = errors.New("no targets resolved")

// ErrDuplicateResult is returned by ResultStore.Append when a committed
// result already exists for the (name, version, mode) key.
var ErrDuplicateResult = errors.New("result already recorded")

func isDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateResult)
}

// Summary counts committed results per outcome kind for one run.
type Summary map[OutcomeKind]int

func (s Summary) Total() int {
	total := 0
	for _, count := range s {
		total += count
	}
	return total
}

func (s Summary) String() string {
	kinds := make([]string, 0, len(s))
	for kind := range s {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", kind, s[OutcomeKind(kind)]))
	}
	if len(parts) == 0 {
		return "empty"
	}
	return strings.Join(parts, " ")
}

// Scheduler drives a worklist to completion with a fixed-size worker pool,
// resume semantics and a circuit breaker.
type Scheduler struct {
	store    ResultStore
	attempts Attempter
	logger   *slog.Logger

	workers          int
	breakerThreshold int // 0 disables the breaker
	rerun            bool

	mu          sync.Mutex
	consecutive int
	tripped     bool
	storeErr    error
	summary     Summary
	halt        chan struct{}
	haltOnce    sync.Once
}

// NewScheduler constructs a scheduler. workers must be >= 1.
func NewScheduler(store ResultStore, attempts Attempter, logger *slog.Logger, workers, breakerThreshold int, rerun bool) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		store:            store,
		attempts:         attempts,
		logger:           logger,
		workers:          workers,
		breakerThreshold: breakerThreshold,
		rerun:            rerun,
	}
}

// Run executes the resolution to completion. Pre-resolved skipped results
// are committed first, then the worklist is filtered against the store
// (resume) and the remainder distributed to workers. Run blocks until all
// in-flight attempts have been committed.
func (s *Scheduler) Run(ctx context.Context, resolution *Resolution, mode Mode) (Summary, error) {
	s.mu.Lock()
	s.summary = make(Summary)
	s.consecutive = 0
	s.tripped = false
	s.storeErr = nil
	s.halt = make(chan struct{})
	s.haltOnce = sync.Once{}
	s.mu.Unlock()

	for _, result := range resolution.Skipped {
		s.commit(ctx, result)
	}

	// Zero resolvable targets is a run-level failure. Targets filtered out
	// below because they are already committed are fine: that is resume.
	if len(resolution.Worklist) == 0 {
		return s.snapshotSummary(), ErrNoTargets
	}

	pending, err := s.filterWorklist(ctx, resolution.Worklist, mode)
	if err != nil {
		return s.snapshotSummary(), err
	}

	queue := make(chan Target, len(pending))
	for _, target := range pending {
		queue <- target
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.workerLoop(ctx, queue, mode)
		}()
	}
	wg.Wait()

	if err := s.store.PruneOldLogs(ctx); err != nil {
		s.logger.Warn("prune attempt logs", "err", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.summary, fmt.Errorf("result store unwritable: %w", s.storeErr)
	}
	if s.tripped {
		return s.summary, ErrBreakerTripped
	}
	return s.summary, nil
}

// workerLoop claims targets one at a time until the queue drains, the run is
// aborted or the breaker trips. A claimed attempt always runs to completion
// and is committed before the next claim.
func (s *Scheduler) workerLoop(ctx context.Context, queue <-chan Target, mode Mode) {
	for {
		// Halt and abort take priority over a ready queue, otherwise select
		// could keep claiming targets after the breaker tripped.
		select {
		case <-ctx.Done():
			return
		case <-s.halt:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-s.halt:
			return
		case target, ok := <-queue:
			if !ok {
				return
			}
			s.logger.Info("processing", "target", target.String(), "mode", mode)
			result := s.attempts.Run(ctx, target, mode)
			s.observe(result)
			s.commit(ctx, result)
		}
	}
}

// filterWorklist drops targets that already have a committed result for this
// mode, or forgets them first when a re-run was requested.
func (s *Scheduler) filterWorklist(ctx context.Context, worklist []Target, mode Mode) ([]Target, error) {
	pending := make([]Target, 0, len(worklist))
	for _, target := range worklist {
		done, err := s.store.Has(ctx, target.Name, target.ResolvedVersion, mode)
		if err != nil {
			return nil, fmt.Errorf("consult result store: %w", err)
		}
		if done {
			if !s.rerun {
				s.logger.Info("re-using existing result", "target", target.String(), "mode", mode)
				continue
			}
			if err := s.store.Forget(ctx, target.Name, target.ResolvedVersion, mode); err != nil {
				return nil, fmt.Errorf("forget result for re-run: %w", err)
			}
		}
		pending = append(pending, target)
	}
	return pending, nil
}

func (s *Scheduler) observe(result *ExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result.Outcome.Kind.Abnormal() {
		s.consecutive++
		if s.breakerThreshold > 0 && s.consecutive >= s.breakerThreshold && !s.tripped {
			s.tripped = true
			s.logger.Error("circuit breaker tripped, halting intake",
				"consecutive", s.consecutive, "threshold", s.breakerThreshold)
			s.haltOnce.Do(func() { close(s.halt) })
		}
	} else {
		s.consecutive = 0
	}
}

func (s *Scheduler) commit(ctx context.Context, result *ExecutionResult) {
	err := s.store.Append(ctx, result)
	switch {
	case err == nil:
	case isDuplicate(err):
		// Another path already committed this key; the existing record wins.
		s.logger.Debug("duplicate result ignored", "target", result.Target.String(), "mode", result.Mode)
		return
	default:
		s.mu.Lock()
		if s.storeErr == nil {
			s.storeErr = err
		}
		s.mu.Unlock()
		s.logger.Error("append result", "target", result.Target.String(), "err", err)
		s.haltOnce.Do(func() { close(s.halt) })
		return
	}

	s.mu.Lock()
	s.summary[result.Outcome.Kind]++
	s.mu.Unlock()

	level := slog.LevelInfo
	if result.Outcome.Kind != OutcomeSucceeded {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "result committed",
		"target", result.Target.String(), "mode", result.Mode,
		"outcome", result.Outcome.Kind, "duration", result.Duration)
}

func (s *Scheduler) snapshotSummary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(Summary, len(s.summary))
	for kind, count := range s.summary {
		copied[kind] = count
	}
	return copied
}
