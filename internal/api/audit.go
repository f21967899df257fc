package api

import (
	"net/http"
	"strconv"

	"github.com/yanniks/ghome-fhem/internal/audit"
	"github.com/yanniks/ghome-fhem/internal/bridges/fhem"
)

// recordCommand adds a command sent through the API to the audit trail.
// Failures to record are logged and never fail the request.
func (s *Server) recordCommand(r *http.Request, device, characteristic string, value any, d fhem.Dispatch, err error) {
	if s.audit == nil {
		return
	}

	e := &audit.Entry{
		Source:         audit.SourceAPI,
		Device:         device,
		Characteristic: characteristic,
		Value:          value,
		Command:        d.Text,
		Status:         audit.StatusOf(d.Delayed, d.Skipped),
	}
	if err != nil {
		e.Status = audit.StatusFailed
		e.Error = err.Error()
	}
	e.Actor = tokenIDFrom(r.Context())

	if recErr := s.audit.Record(r.Context(), e); recErr != nil {
		s.logger.Warn("failed to record command", "device", device, "request_id", requestIDFrom(r.Context()), "error", recErr)
	}
}

// handleListAudit returns the command audit trail.
//
// Query parameters:
//   - device, source, status: optional filters
//   - limit: page size (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "command audit is disabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Device: q.Get("device"),
		Source: q.Get("source"),
		Status: q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeInternalError(w, "failed to read audit trail")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
