package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/trafficmind/internal/detector"
	"github.com/alfredjeanlab/trafficmind/internal/media"
	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/signal"
	"github.com/alfredjeanlab/trafficmind/internal/store"
	"github.com/alfredjeanlab/trafficmind/internal/task"
)

// maxJSONBody bounds JSON request bodies other than base64 images.
const maxJSONBody = 1 << 20

// Handler returns an http.Handler with all routes registered, wrapped in
// recovery, logging, CORS and bearer auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /detect-image", s.handleDetectImage)
	mux.HandleFunc("POST /detect-image-base64", s.handleDetectImageBase64)
	mux.HandleFunc("POST /detect-batch", s.handleDetectBatch)
	mux.HandleFunc("POST /start-realtime", s.handleStartRealtime)
	mux.HandleFunc("POST /upload-video", s.handleUploadVideo)
	mux.HandleFunc("GET /task/{id}", s.handleGetTask)
	mux.HandleFunc("POST /task/{id}/stop", s.handleStopTask)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /violations", s.handleListViolations)
	mux.HandleFunc("GET /violations/summary", s.handleViolationSummary)
	mux.HandleFunc("GET /violations/{id}", s.handleGetViolation)
	mux.HandleFunc("PUT /violations/{id}/process", s.handleReviewViolation)
	mux.HandleFunc("PUT /api/violations/{id}/process", s.handleReviewViolation)
	mux.HandleFunc("GET /violations/statistics", s.handleViolationStatistics)
	mux.HandleFunc("GET /violations/statistics/{section}", s.handleViolationStatistics)
	mux.HandleFunc("GET /api/violations/statistics/{section}", s.handleViolationStatistics)
	mux.HandleFunc("GET /signal-status/{id}", s.handleSignalStatus)
	mux.HandleFunc("GET /signal-changes", s.handleSignalChanges)
	mux.HandleFunc("POST /api/traffic", s.handlePushTraffic)
	mux.HandleFunc("GET /api/traffic/status", s.handleTrafficStatus)
	mux.HandleFunc("GET /api/traffic/signal-source-mode", s.handleGetSignalMode)
	mux.HandleFunc("POST /api/traffic/signal-source-mode", s.handleSetSignalMode)
	mux.HandleFunc("GET /media/{ref...}", s.handleMedia)
	mux.HandleFunc("GET /socket", s.wsHub.serve)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/clients", s.handleClients)
	mux.Handle("GET /metrics", s.metrics.Handler())

	var h http.Handler = mux
	h = AuthMiddleware(s.opts.AuthToken, h)
	h = CORSMiddleware(s.opts.AllowedOrigins, h)
	h = LoggingMiddleware(s.logger, h)
	h = RecoveryMiddleware(s.logger, h)
	return h
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   serviceName,
		"version":   serviceVersion,
		"timestamp": time.Now().UTC(),
		"websocket": "available",
		"clients":   s.presence.Count(),
		"mode":      s.board.Mode(),
	})
}

// localMedia is implemented by media stores backed by the local disk.
type localMedia interface {
	Path(ref string) (string, error)
}

// handleMedia handles GET /media/{ref...}. Local files are served directly,
// with range support for video seeking; object stores redirect to a
// presigned URL.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if s.media == nil || !media.IsRef(ref) {
		writeError(w, http.StatusNotFound, "media not found")
		return
	}
	if lm, ok := s.media.(localMedia); ok {
		p, err := lm.Path(ref)
		if err != nil {
			writeError(w, http.StatusNotFound, "media not found")
			return
		}
		if _, err := os.Stat(p); err != nil {
			writeError(w, http.StatusNotFound, "media not found")
			return
		}
		w.Header().Set("Cache-Control", "private, max-age=3600")
		http.ServeFile(w, r, p)
		return
	}
	u, err := s.media.URL(r.Context(), ref)
	if err != nil {
		writeErr(w, err)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response in the dashboard's shape.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

// writeErr maps an error to a status code and writes it.
func writeErr(w http.ResponseWriter, err error) {
	var (
		ve       *model.ValidationError
		ie       inputError
		se       *detector.StatusError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ie):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload exceeds the %d MB limit", tooLarge.Limit>>20))
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrDuplicate), errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, store.ErrAlreadyReviewed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, signal.ErrSimulationMode):
		writeError(w, http.StatusConflict, "signal source is in simulation mode; switch to backend mode to push signal data")
	case errors.Is(err, detector.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "detection backend unavailable")
	case errors.As(err, &se):
		writeError(w, http.StatusBadGateway, fmt.Sprintf("detection failed: backend returned %d", se.Status))
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeJSON reads a JSON request body of at most limit bytes into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return inputError("invalid request body: " + err.Error())
	}
	return nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, inputError(fmt.Sprintf("%s must be an integer", name))
	}
	return n, nil
}

// flexInt accepts a JSON number or a numeric string, as dashboards send both.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("expected an integer, got %s", data)
	}
	*f = flexInt(n)
	return nil
}
