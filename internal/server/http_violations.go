package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// violationView is a violation plus a fetchable screenshot URL.
type violationView struct {
	*model.Violation
	ScreenshotURL string `json:"screenshotUrl,omitempty"`
}

func (s *Server) viewViolations(r *http.Request, list []*model.Violation) []violationView {
	out := make([]violationView, 0, len(list))
	for _, v := range list {
		view := violationView{Violation: v}
		if v.Screenshot != "" && s.media != nil {
			if u, err := s.media.URL(r.Context(), v.Screenshot); err == nil {
				view.ScreenshotURL = u
			}
		}
		out = append(out, view)
	}
	return out
}

// handleListViolations handles GET /violations.
func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.ViolationFilter{TaskID: q.Get("taskId")}

	if v := q.Get("type"); v != "" {
		t, ok := model.ParseViolationType(v)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown violation type %q", v))
			return
		}
		filter.Type = t
	}
	intersection, err := queryInt(r, "intersectionId", 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	filter.IntersectionID = intersection
	if v := q.Get("status"); v != "" {
		st, ok := model.ParseViolationStatus(v)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown violation status %q", v))
			return
		}
		filter.Status = st
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeErr(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	filter.Limit = clamp(limit, 1, 500)
	filter.Offset = max(offset, 0)

	list, total, err := s.store.ListViolations(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"total":      total,
		"limit":      filter.Limit,
		"offset":     filter.Offset,
		"violations": s.viewViolations(r, list),
	})
}

// handleGetViolation handles GET /violations/{id}.
func (s *Server) handleGetViolation(w http.ResponseWriter, r *http.Request) {
	v, err := s.store.GetViolation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "violation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "violation": s.viewViolations(r, []*model.Violation{v})[0]})
}

// handleViolationSummary handles GET /violations/summary.
func (s *Server) handleViolationSummary(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	sum, err := s.store.SummarizeViolations(r.Context(), taskID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"taskId":  taskID,
		"summary": sum,
		"short":   sum.Short(),
	})
}
