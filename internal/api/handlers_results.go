package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"buildsweep/internal/core"
	"buildsweep/internal/store"
)

type resultResponse struct {
	ID         string  `json:"id"`
	Module     string  `json:"module"`
	Version    string  `json:"version"`
	Mode       string  `json:"mode"`
	Outcome    string  `json:"outcome"`
	ExitCode   *int    `json:"exit_code,omitempty"`
	Signal     *string `json:"signal,omitempty"`
	Reason     *string `json:"reason,omitempty"`
	StartedAt  string  `json:"started_at"`
	DurationMS int64   `json:"duration_ms"`
	CreatedAt  string  `json:"created_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Summarize(r.Context(), s.mode)
	if err != nil {
		s.logger.Error("summarize results", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to summarize results")
		return
	}
	summary := make(map[string]int, len(counts))
	total := 0
	for kind, count := range counts {
		summary[string(kind)] = count
		total += count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":       string(s.mode),
		"started_at": s.startedAt.Format(time.RFC3339),
		"committed":  total,
		"outcomes":   summary,
	})
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	results, err := s.store.ListResults(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list results", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list results")
		return
	}
	responses := make([]resultResponse, 0, len(results))
	for _, result := range results {
		responses = append(responses, resultToResponse(result))
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": responses})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	result, ok := s.lookupResult(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resultToResponse(result))
}

func (s *Server) handleResultLog(w http.ResponseWriter, r *http.Request) {
	result, ok := s.lookupResult(w, r)
	if !ok {
		return
	}
	data, err := os.ReadFile(s.store.ResultLogPath(result.ID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "log not found")
		} else {
			s.logger.Error("read attempt log", "result_id", result.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		}
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

// lookupResult loads a result addressed by module/version/mode query params.
// Module paths contain slashes, so they travel as query params rather than
// path segments.
func (s *Server) lookupResult(w http.ResponseWriter, r *http.Request) (*core.ExecutionResult, bool) {
	module := r.URL.Query().Get("module")
	version := r.URL.Query().Get("version")
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = string(s.mode)
	}
	if module == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "module query parameter is required")
		return nil, false
	}
	result, err := s.store.GetResult(r.Context(), module, version, core.Mode(mode))
	if err != nil {
		if errors.Is(err, store.ErrResultNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "result not found")
		} else {
			s.logger.Error("get result", "module", module, "version", version, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load result")
		}
		return nil, false
	}
	return result, true
}

func resultToResponse(result *core.ExecutionResult) resultResponse {
	return resultResponse{
		ID:         result.ID,
		Module:     result.Target.Name,
		Version:    result.Target.ResolvedVersion,
		Mode:       string(result.Mode),
		Outcome:    string(result.Outcome.Kind),
		ExitCode:   result.Outcome.ExitCode,
		Signal:     result.Outcome.Signal,
		Reason:     result.Outcome.Reason,
		StartedAt:  result.StartedAt.UTC().Format(time.RFC3339),
		DurationMS: result.Duration.Milliseconds(),
		CreatedAt:  result.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
