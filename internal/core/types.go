package core

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects what the harness does with each target. One mode per run.
type Mode string

const (
	ModeBuild Mode = "build"
	ModeTest  Mode = "test"
	ModeBench Mode = "bench"
)

// ParseMode validates a mode string from configuration.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeBuild:
		return ModeBuild, nil
	case ModeTest:
		return ModeTest, nil
	case ModeBench:
		return ModeBench, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want build, test or bench)", value)
	}
}

// OutcomeKind classifies the result of one execution attempt.
type OutcomeKind string

const (
	OutcomeSucceeded  OutcomeKind = "succeeded"
	OutcomeFailed     OutcomeKind = "failed"
	OutcomeTimedOut   OutcomeKind = "timed_out"
	OutcomeCrashed    OutcomeKind = "crashed"
	OutcomeFetchError OutcomeKind = "fetch_error"
	OutcomeSkipped    OutcomeKind = "skipped"
)

// Abnormal reports whether the outcome counts toward the circuit breaker.
func (k OutcomeKind) Abnormal() bool {
	return k == OutcomeCrashed || k == OutcomeTimedOut
}

// Outcome is the closed set of ways an attempt can end. Exactly one of the
// optional fields is meaningful depending on Kind.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode *int    // failed: tool exit status
	Signal   *string // crashed: signal or abnormal termination description
	Reason   *string // fetch_error, skipped: human-readable cause
}

// Target identifies one unit of work: a module at a resolved version.
type Target struct {
	Name            string
	Exact           bool   // version was pinned by the specifier
	ResolvedVersion string // set by the resolver before scheduling
}

func (t Target) String() string {
	if t.ResolvedVersion == "" {
		return t.Name
	}
	return t.Name + "=" + t.ResolvedVersion
}

// Key is the identity used for dedup and resume.
func (t Target) Key() string {
	return t.Name + "=" + t.ResolvedVersion
}

// ExecutionResult captures one committed attempt. Immutable once appended to
// the store.
type ExecutionResult struct {
	ID         string
	Target     Target
	Mode       Mode
	Outcome    Outcome
	StartedAt  time.Time
	Duration   time.Duration
	LogExcerpt string
	CreatedAt  time.Time
}

// Specifier is one parsed CLI-level package selector.
type Specifier struct {
	Name     string
	Version  string // empty means latest
	Wildcard bool
}

// ParseSpecifier accepts "name", "name=version" or the literal "*".
func ParseSpecifier(raw string) (Specifier, error) {
	s := strings.TrimSpace(raw)
	if s == "*" {
		return Specifier{Wildcard: true}, nil
	}
	name, version, found := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if name == "" || strings.Contains(version, "=") || (found && version == "") {
		return Specifier{}, fmt.Errorf("invalid specifier %q, try \"foo\" or \"foo=v0.1.0\"", raw)
	}
	return Specifier{Name: name, Version: version}, nil
}

func skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: &reason}
}

func fetchError(reason string) Outcome {
	return Outcome{Kind: OutcomeFetchError, Reason: &reason}
}
