package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/routerwatch-core/internal/history"
)

// parseLimit reads the optional ?limit= parameter. Zero lets the
// repository pick its default.
func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// handleListHistory returns the newest events across the fleet.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	entries, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing history", "error", err)
		writeInternalError(w, "failed to list history")
		return
	}
	writeHistory(w, entries)
}

// handleDeviceHistory returns the newest events of one device. Devices no
// longer in the active set still have history.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	deviceID := chi.URLParam(r, "id")
	entries, err := s.history.ListDevice(r.Context(), deviceID, limit)
	if err != nil {
		s.logger.Error("listing device history", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to list history")
		return
	}
	writeHistory(w, entries)
}

func writeHistory(w http.ResponseWriter, entries []history.Entry) {
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries, "count": len(entries)})
}
