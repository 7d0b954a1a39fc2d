package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const maxHistoryLimit = 200

// handleGetDeviceHistory serves GET /devices/{alias}/history with
// optional limit (1-200, default 50) and since (RFC3339, exclusive).
func (s *Server) handleGetDeviceHistory(w http.ResponseWriter, r *http.Request) {
	alias, ok := aliasParam(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	limit, err := parseHistoryLimit(query.Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	since, err := parseSinceParam(query.Get("since"))
	if err != nil {
		writeBadRequest(w, "since must be an RFC3339 timestamp")
		return
	}

	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "state history unavailable")
		return
	}

	entries, err := s.history.GetHistorySince(r.Context(), alias, since, limit)
	if err != nil {
		s.logger.Error("history query failed", "alias", alias, "error", err, "request_id", requestID(r))
		writeInternalError(w, "failed to load device history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alias":   alias,
		"history": entries,
		"count":   len(entries),
	})
}

// parseHistoryLimit parses the limit query parameter. Empty means default.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxHistoryLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxHistoryLimit)
	}
	return limit, nil
}

// parseSinceParam parses an optional RFC3339 timestamp.
func parseSinceParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
