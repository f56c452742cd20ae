package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/signal"
)

func signalBody(st model.SignalStatus) map[string]any {
	return map[string]any{
		"success":         true,
		"intersectionId":  st.IntersectionID,
		"signals":         st.Signals,
		"leftTurnSignals": st.LeftTurnSignals,
		"mode":            st.Mode,
		"timestamp":       st.UpdatedAt,
	}
}

// handleSignalStatus handles GET /signal-status/{id}.
func (s *Server) handleSignalStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "intersection id must be a positive integer")
		return
	}
	writeJSON(w, http.StatusOK, signalBody(s.board.Snapshot(id)))
}

// handleTrafficStatus handles GET /api/traffic/status.
func (s *Server) handleTrafficStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, signalBody(s.board.Snapshot(s.board.DefaultIntersection())))
}

// handlePushTraffic handles POST /api/traffic. The body may be any shape
// signal.ParseFeed accepts.
func (s *Server) handlePushTraffic(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, err)
		return
	}

	intersection, err := queryInt(r, "intersectionId", 0)
	if err != nil {
		writeErr(w, err)
		return
	}

	st, err := signal.ParseFeed(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported signal data format: "+err.Error())
		return
	}
	if intersection <= 0 {
		intersection = st.IntersectionID
	}

	applied, err := s.board.Apply(intersection, st, signal.SourceAPI)
	if err != nil {
		// ErrSimulationMode maps to 409 and leaves the board untouched.
		writeErr(w, err)
		return
	}
	body := signalBody(applied)
	body["message"] = "signal state updated"
	writeJSON(w, http.StatusOK, body)
}

// handleGetSignalMode handles GET /api/traffic/signal-source-mode.
func (s *Server) handleGetSignalMode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "mode": s.board.Mode()})
}

// handleSetSignalMode handles POST /api/traffic/signal-source-mode.
func (s *Server) handleSetSignalMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		writeErr(w, err)
		return
	}
	mode := model.SignalMode(req.Mode)
	if !mode.IsValid() {
		writeError(w, http.StatusBadRequest, "mode must be backend or simulation")
		return
	}
	changed, err := s.board.SetMode(mode)
	if err != nil {
		writeErr(w, err)
		return
	}
	msg := "signal source mode unchanged"
	if changed {
		msg = "signal source mode switched to " + string(mode)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"mode":    mode,
		"changed": changed,
		"message": msg,
	})
}

// handleSignalChanges handles GET /signal-changes.
func (s *Server) handleSignalChanges(w http.ResponseWriter, r *http.Request) {
	intersection, err := queryInt(r, "intersectionId", 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeErr(w, err)
		return
	}
	changes, err := s.store.ListSignalChanges(r.Context(), intersection, clamp(limit, 1, 500))
	if err != nil {
		writeErr(w, err)
		return
	}
	if changes == nil {
		changes = []*model.SignalChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "changes": changes})
}
