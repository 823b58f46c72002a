package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"buildsweep/internal/registry"
)

// Resolution is the output of resolving a set of specifiers: the
// deduplicated ordered worklist plus results for specifiers that could not
// be resolved and are recorded as skipped.
type Resolution struct {
	Worklist []Target
	Skipped  []*ExecutionResult
}

// Resolver turns CLI-level specifiers into a concrete worklist. Versions are
// snapshotted once at resolve time so a run stays reproducible even if the
// registry moves underneath it.
type Resolver struct {
	registry registry.Client
	logger   *slog.Logger
}

// NewResolver constructs a resolver on top of a registry client.
func NewResolver(client registry.Client, logger *slog.Logger) *Resolver {
	return &Resolver{registry: client, logger: logger}
}

// Resolve builds the worklist for a run. A failure to resolve one specifier
// produces a skipped result for that specifier alone; only a registry
// enumeration that fails entirely aborts resolution.
func (r *Resolver) Resolve(ctx context.Context, rawSpecifiers []string, mode Mode) (*Resolution, error) {
	resolution := &Resolution{}
	seen := make(map[string]struct{})

	for _, raw := range rawSpecifiers {
		spec, err := ParseSpecifier(raw)
		if err != nil {
			r.skip(resolution, Target{Name: raw}, mode, err.Error())
			continue
		}
		if spec.Wildcard {
			if err := r.resolveAll(ctx, resolution, seen, mode); err != nil {
				return nil, err
			}
			continue
		}
		r.resolveOne(ctx, resolution, seen, spec, mode)
	}
	return resolution, nil
}

// resolveAll enumerates every module known to the registry and resolves each
// to its latest version. The enumeration is paginated; it ends on the
// registry's explicit end-of-list, never on a fixed page count.
func (r *Resolver) resolveAll(ctx context.Context, resolution *Resolution, seen map[string]struct{}, mode Mode) error {
	enum := r.registry.List("")
	pages := 0
	for !enum.Done() {
		names, err := enum.Next(ctx)
		if err != nil {
			return fmt.Errorf("registry enumeration failed at cursor %q: %w", enum.Cursor(), err)
		}
		pages++
		for _, name := range names {
			r.resolveOne(ctx, resolution, seen, Specifier{Name: name}, mode)
		}
	}
	r.logger.Info("registry enumeration complete", "pages", pages, "targets", len(resolution.Worklist))
	return nil
}

func (r *Resolver) resolveOne(ctx context.Context, resolution *Resolution, seen map[string]struct{}, spec Specifier, mode Mode) {
	if spec.Version != "" {
		exists, err := r.registry.HasVersion(ctx, spec.Name, spec.Version)
		if err != nil {
			r.skip(resolution, Target{Name: spec.Name, ResolvedVersion: spec.Version, Exact: true}, mode,
				fmt.Sprintf("confirm version: %v", err))
			return
		}
		if !exists {
			r.skip(resolution, Target{Name: spec.Name, ResolvedVersion: spec.Version, Exact: true}, mode,
				fmt.Sprintf("unknown version %s", spec.Version))
			return
		}
		r.add(resolution, seen, Target{Name: spec.Name, ResolvedVersion: spec.Version, Exact: true})
		return
	}

	version, err := r.registry.Latest(ctx, spec.Name)
	if errors.Is(err, registry.ErrNotFound) {
		r.skip(resolution, Target{Name: spec.Name}, mode, "module not in registry")
		return
	}
	if err != nil {
		r.skip(resolution, Target{Name: spec.Name}, mode, fmt.Sprintf("resolve latest version: %v", err))
		return
	}
	r.add(resolution, seen, Target{Name: spec.Name, ResolvedVersion: version})
}

// add appends a resolved target unless its identity was already seen;
// first-occurrence order is preserved.
func (r *Resolver) add(resolution *Resolution, seen map[string]struct{}, target Target) {
	if _, dup := seen[target.Key()]; dup {
		return
	}
	seen[target.Key()] = struct{}{}
	resolution.Worklist = append(resolution.Worklist, target)
}

func (r *Resolver) skip(resolution *Resolution, target Target, mode Mode, reason string) {
	r.logger.Warn("specifier skipped", "target", target.String(), "reason", reason)
	resolution.Skipped = append(resolution.Skipped, &ExecutionResult{
		ID:        NewID(),
		Target:    target,
		Mode:      mode,
		Outcome:   skipped(reason),
		StartedAt: time.Now().UTC(),
	})
}
