package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"buildsweep/internal/core"
)

var ErrResultNotFound = errors.New("result not found")

// Append durably records one execution result. It returns
// core.ErrDuplicateResult when the key is already committed, so concurrent
// workers can never corrupt or interleave records for the same target.
// Results are append-only and never overwritten here.
func (s *Store) Append(ctx context.Context, result *core.ExecutionResult) error {
	now := time.Now().UTC()
	result.CreatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO results (id, module, version, mode, outcome, exit_code, signal, reason, started_at, duration_ms, log_excerpt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, result.ID, result.Target.Name, result.Target.ResolvedVersion, string(result.Mode),
		string(result.Outcome.Kind), nullableInt(result.Outcome.ExitCode),
		nullableString(result.Outcome.Signal), nullableString(result.Outcome.Reason),
		result.StartedAt.UTC().Format(time.RFC3339Nano), result.Duration.Milliseconds(),
		result.LogExcerpt, now.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s %s", core.ErrDuplicateResult, result.Target.Key(), result.Mode)
		}
		return fmt.Errorf("append result: %w", err)
	}
	return nil
}

// Has reports whether a committed result exists for the target identity and
// mode. This is the resume check consulted before dispatch.
func (s *Store) Has(ctx context.Context, name, version string, mode core.Mode) (bool, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM results WHERE module = ? AND version = ? AND mode = ?
	`, name, version, string(mode)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check result: %w", err)
	}
	return count > 0, nil
}

// Forget removes any committed result for the key so the target can be
// re-run. Used only when the operator explicitly requests a re-run.
func (s *Store) Forget(ctx context.Context, name, version string, mode core.Mode) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM results WHERE module = ? AND version = ? AND mode = ?
	`, name, version, string(mode))
	if err != nil {
		return fmt.Errorf("forget result: %w", err)
	}
	return nil
}

// GetResult loads one committed result by key.
func (s *Store) GetResult(ctx context.Context, name, version string, mode core.Mode) (*core.ExecutionResult, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, module, version, mode, outcome, exit_code, signal, reason, started_at, duration_ms, log_excerpt, created_at
		FROM results WHERE module = ? AND version = ? AND mode = ?
	`, name, version, string(mode))
	result, err := scanResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return result, nil
}

// Iterate streams committed results row by row without materializing the
// full set. The callback may return an error to stop early.
func (s *Store) Iterate(ctx context.Context, fn func(*core.ExecutionResult) error) error {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, module, version, mode, outcome, exit_code, signal, reason, started_at, duration_ms, log_excerpt, created_at
		FROM results
		ORDER BY created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("iterate results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return err
		}
		if err := fn(result); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ListResults returns a page of committed results, newest first.
func (s *Store) ListResults(ctx context.Context, limit, offset int) ([]*core.ExecutionResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, module, version, mode, outcome, exit_code, signal, reason, started_at, duration_ms, log_excerpt, created_at
		FROM results
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()
	var results []*core.ExecutionResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Summarize counts committed results per outcome kind for one mode.
func (s *Store) Summarize(ctx context.Context, mode core.Mode) (map[core.OutcomeKind]int, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT outcome, COUNT(1) FROM results WHERE mode = ? GROUP BY outcome
	`, string(mode))
	if err != nil {
		return nil, fmt.Errorf("summarize results: %w", err)
	}
	defer rows.Close()
	counts := make(map[core.OutcomeKind]int)
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		counts[core.OutcomeKind(outcome)] = count
	}
	return counts, rows.Err()
}

// ResultLogPath returns the absolute path for the attempt's combined log file.
func (s *Store) ResultLogPath(resultID string) string {
	return filepath.Join(s.StateDir, "logs", resultID+".log")
}

// EnsureLogDir makes sure the directory for attempt logs exists.
func (s *Store) EnsureLogDir() error {
	return os.MkdirAll(filepath.Join(s.StateDir, "logs"), 0o755)
}

// PruneOldLogs removes attempt log files beyond the retention limit, oldest
// first. Result rows are never deleted.
func (s *Store) PruneOldLogs(ctx context.Context) error {
	if s.LogRetention <= 0 {
		return nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM results
		ORDER BY created_at DESC
		LIMIT -1 OFFSET ?
	`, s.LogRetention)
	if err != nil {
		return fmt.Errorf("query results for pruning: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		_ = os.Remove(s.ResultLogPath(id))
	}
	return rows.Err()
}

func scanResult(scanner interface {
	Scan(dest ...any) error
}) (*core.ExecutionResult, error) {
	var (
		id         string
		name       string
		version    string
		mode       string
		outcome    string
		exitCode   sql.NullInt64
		signal     sql.NullString
		reason     sql.NullString
		startedAt  string
		durationMS int64
		logExcerpt string
		createdAt  string
	)
	if err := scanner.Scan(&id, &name, &version, &mode, &outcome, &exitCode, &signal, &reason, &startedAt, &durationMS, &logExcerpt, &createdAt); err != nil {
		return nil, err
	}
	startedTime, err := parseStoredTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("result %s: %w", id, err)
	}
	createdTime, err := parseStoredTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("result %s: %w", id, err)
	}
	result := &core.ExecutionResult{
		ID: id,
		Target: core.Target{
			Name:            name,
			ResolvedVersion: version,
		},
		Mode:       core.Mode(mode),
		Outcome:    core.Outcome{Kind: core.OutcomeKind(outcome)},
		StartedAt:  startedTime,
		Duration:   time.Duration(durationMS) * time.Millisecond,
		LogExcerpt: logExcerpt,
		CreatedAt:  createdTime,
	}
	if exitCode.Valid {
		val := int(exitCode.Int64)
		result.Outcome.ExitCode = &val
	}
	if signal.Valid {
		result.Outcome.Signal = &signal.String
	}
	if reason.Valid {
		result.Outcome.Reason = &reason.String
	}
	return result, nil
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func parseStoredTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", value, err)
	}
	return t, nil
}
