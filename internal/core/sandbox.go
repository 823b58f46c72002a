package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Fetcher obtains the source tree for one module version into destDir.
type Fetcher interface {
	Fetch(ctx context.Context, name, version, destDir string) error
}

// Sandbox executes one (target, mode) attempt under containment: a fresh
// disposable working directory, a hard wall-clock timeout that kills the
// whole process tree, and bounded output capture. Arbitrary code run here
// can only touch its own working directory and process tree.
type Sandbox struct {
	store      ResultStore
	fetcher    Fetcher
	tool       Tool
	logger     *slog.Logger
	workRoot   string
	timeout    time.Duration
	maxCapture int
	baseEnv    []string
}

// NewSandbox creates a sandbox rooted under stateDir. Build caches are
// shared across attempts inside stateDir so repeated dependency downloads
// are avoided; everything else is per-attempt.
func NewSandbox(store ResultStore, fetcher Fetcher, tool Tool, logger *slog.Logger, stateDir, proxyURL string, timeout time.Duration, maxCapture int) *Sandbox {
	return &Sandbox{
		store:      store,
		fetcher:    fetcher,
		tool:       tool,
		logger:     logger,
		workRoot:   filepath.Join(stateDir, "work"),
		timeout:    timeout,
		maxCapture: maxCapture,
		baseEnv: []string{
			"PATH=" + os.Getenv("PATH"),
			"GOPATH=" + filepath.Join(stateDir, "gopath"),
			"GOMODCACHE=" + filepath.Join(stateDir, "gopath", "pkg", "mod"),
			"GOCACHE=" + filepath.Join(stateDir, "gocache"),
			"GOPROXY=" + proxyURL,
			"GOFLAGS=-mod=mod",
			"GOSUMDB=off",
		},
	}
}

// Run executes one attempt to completion or forced termination and returns
// the classified result. Duration is measured from the start of the source
// fetch to process exit. Run never returns an error: every failure mode is
// one of the closed set of outcomes.
func (s *Sandbox) Run(ctx context.Context, target Target, mode Mode) *ExecutionResult {
	result := &ExecutionResult{
		ID:        NewID(),
		Target:    target,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
	}

	workDir := filepath.Join(s.workRoot, result.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		result.Outcome = crashed(fmt.Sprintf("create working directory: %v", err))
		return result
	}
	defer os.RemoveAll(workDir)

	capture := newCaptureWriter(s.openAttemptLog(result.ID), s.maxCapture)
	defer capture.Close()

	// The attempt is detached from the run context: aborting a run stops
	// new dispatch but lets in-flight attempts finish or hit their own
	// timeout, so no attempt ever ends in an unrecorded half-state.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	start := time.Now()
	if err := s.fetcher.Fetch(attemptCtx, target.Name, target.ResolvedVersion, workDir); err != nil {
		result.Duration = time.Since(start)
		result.LogExcerpt = capture.Excerpt()
		// A fetch that exhausts the attempt budget is a timeout, not a
		// registry problem.
		if attemptCtx.Err() == context.DeadlineExceeded {
			result.Outcome = Outcome{Kind: OutcomeTimedOut}
		} else {
			result.Outcome = fetchError(err.Error())
		}
		return result
	}

	env := append(append([]string(nil), s.baseEnv...), "HOME="+workDir)
	inv, invokeErr := s.tool.Invoke(attemptCtx, mode, workDir, env, capture)
	result.Duration = time.Since(start)
	result.LogExcerpt = capture.Excerpt()
	result.Outcome = s.classify(attemptCtx, inv, invokeErr)

	if result.Outcome.Kind == OutcomeTimedOut {
		s.logger.Warn("attempt exceeded time budget, process tree terminated",
			"target", target.String(), "mode", mode, "timeout", s.timeout)
	}
	return result
}

func (s *Sandbox) classify(attemptCtx context.Context, inv Invocation, invokeErr error) Outcome {
	// A clean exit wins even if it raced the deadline: the tool finished, so
	// the exit code is the outcome.
	if invokeErr == nil && inv.Started && inv.Signal == "" {
		if inv.ExitCode == 0 {
			return Outcome{Kind: OutcomeSucceeded}
		}
		code := inv.ExitCode
		return Outcome{Kind: OutcomeFailed, ExitCode: &code}
	}
	if attemptCtx.Err() == context.DeadlineExceeded {
		return Outcome{Kind: OutcomeTimedOut}
	}
	switch {
	case invokeErr != nil && !inv.Started:
		return crashed(fmt.Sprintf("failed to start tool: %v", invokeErr))
	case invokeErr != nil:
		return crashed(invokeErr.Error())
	default:
		return crashed("killed by signal " + inv.Signal)
	}
}

func (s *Sandbox) openAttemptLog(resultID string) io.WriteCloser {
	if err := s.store.EnsureLogDir(); err != nil {
		s.logger.Warn("ensure attempt log dir", "err", err)
		return nil
	}
	file, err := os.OpenFile(s.store.ResultLogPath(resultID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		s.logger.Warn("open attempt log", "result_id", resultID, "err", err)
		return nil
	}
	return file
}

func crashed(detail string) Outcome {
	return Outcome{Kind: OutcomeCrashed, Signal: &detail}
}

// captureWriter mirrors process output to the attempt log file while keeping
// a bounded in-memory tail for the stored excerpt. Writes are serialized so
// interleaved stdout/stderr stay intact; overflow is truncated from the
// front, never an error.
type captureWriter struct {
	mu   sync.Mutex
	file io.WriteCloser
	buf  []byte
	max  int
}

func newCaptureWriter(file io.WriteCloser, max int) *captureWriter {
	return &captureWriter{file: file, max: max}
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		_, _ = c.file.Write(p)
	}
	c.buf = append(c.buf, p...)
	if len(c.buf) > c.max {
		c.buf = c.buf[len(c.buf)-c.max:]
	}
	return len(p), nil
}

func (c *captureWriter) Excerpt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

func (c *captureWriter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		_ = c.file.Close()
		c.file = nil
	}
}
