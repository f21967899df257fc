package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yanniks/ghome-fhem/internal/device"
)

// handleListAttributes returns every cached attribute.
func (s *Server) handleListAttributes(w http.ResponseWriter, _ *http.Request) {
	entries := s.cache.Entries()
	writeJSON(w, http.StatusOK, map[string]any{"attributes": entries, "count": len(entries)})
}

// handleGetAttribute returns the raw cached value of one "device-reading" attribute.
func (s *Server) handleGetAttribute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, ok := s.cache.Entry(id)
	if !ok {
		writeNotFound(w, "attribute not cached: "+id)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleGetAttributeHistory returns the stored changes of an attribute,
// newest first.
//
// Query parameters:
//   - limit: maximum entries (default 50, capped at 200)
func (s *Server) handleGetAttributeHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "reading history is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.history.GetHistory(r.Context(), id, limit)
	switch {
	case errors.Is(err, device.ErrInvalidHistoryQuery):
		writeBadRequest(w, err.Error())
		return
	case err != nil:
		s.logger.Error("history query failed", "attribute", id, "error", err)
		writeInternalError(w, "failed to read history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"attribute_id": id,
		"entries":      entries,
		"count":        len(entries),
	})
}
