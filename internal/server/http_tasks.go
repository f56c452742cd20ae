package server

import (
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/trafficmind/internal/idgen"
	"github.com/alfredjeanlab/trafficmind/internal/media"
	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/task"
)

// handleStartRealtime handles POST /start-realtime.
func (s *Server) handleStartRealtime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID         string  `json:"taskId"`
		VideoURL       string  `json:"videoUrl"`
		VideoPath      string  `json:"videoPath"`
		IntersectionID flexInt `json:"intersectionId"`
		Direction      string  `json:"direction"`
		RoisConfig     string  `json:"roisConfig"`
		DetectTypes    string  `json:"detectTypes"`
	}
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		writeErr(w, err)
		return
	}

	source := strings.TrimSpace(req.VideoURL)
	if source == "" {
		source = strings.TrimSpace(req.VideoPath)
	}
	if source == "" {
		writeError(w, http.StatusBadRequest, "videoUrl or videoPath is required")
		return
	}
	types, err := model.ParseDetectTypes(req.DetectTypes)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := model.ValidateRoisConfig(req.RoisConfig); err != nil {
		writeErr(w, err)
		return
	}

	t, err := s.startTask(r, task.StartRequest{
		TaskID:         req.TaskID,
		Source:         source,
		IntersectionID: s.intersectionOrDefault(int(req.IntersectionID)),
		Direction:      req.Direction,
		RoisConfig:     req.RoisConfig,
		DetectTypes:    types,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"taskId":  t.ID,
		"task":    t,
		"message": "task started; subscribe on the socket for frame and violation events",
	})
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// videoObjectName builds the object name of an uploaded video.
func videoObjectName(taskID, filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	ext := strings.ToLower(filepath.Ext(base))
	if len(ext) < 2 || len(ext) > 6 {
		ext = ".mp4"
	}
	stem := unsafeNameChars.ReplaceAllString(strings.TrimSuffix(base, filepath.Ext(base)), "_")
	stem = strings.Trim(stem, "._-")
	if stem == "" {
		stem = "video"
	}
	if len(stem) > 64 {
		stem = stem[:64]
	}
	return taskID + "/" + stem + ext
}

// handleUploadVideo handles POST /upload-video: the video is stored in the
// videos bucket and a task is started on it.
func (s *Server) handleUploadVideo(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeError(w, http.StatusServiceUnavailable, "media storage is not configured")
		return
	}
	cleanup, err := s.parseMultipart(w, r)
	defer cleanup()
	if err != nil {
		writeErr(w, err)
		return
	}

	files := r.MultipartForm.File["video"]
	if len(files) == 0 || files[0].Filename == "" {
		writeError(w, http.StatusBadRequest, "missing video file (video)")
		return
	}
	fh := files[0]

	taskID := strings.TrimSpace(r.FormValue("taskId"))
	if taskID == "" {
		if taskID, err = idgen.Task(); err != nil {
			writeErr(w, err)
			return
		}
	} else if err := model.ValidateTaskID(taskID); err != nil {
		writeErr(w, err)
		return
	}
	intersection := 0
	if v := strings.TrimSpace(r.FormValue("intersectionId")); v != "" {
		if intersection, err = strconv.Atoi(v); err != nil || intersection <= 0 {
			writeError(w, http.StatusBadRequest, "intersectionId must be a positive integer")
			return
		}
	}
	rois := strings.TrimSpace(r.FormValue("roisConfig"))
	if err := model.ValidateRoisConfig(rois); err != nil {
		writeErr(w, err)
		return
	}
	types, err := model.ParseDetectTypes(r.FormValue("detectTypes"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if s.tasks != nil {
		if existing, err := s.tasks.Get(r.Context(), taskID); err == nil && existing != nil {
			writeErr(w, fmt.Errorf("%w: %s", task.ErrDuplicate, taskID))
			return
		}
	}

	f, err := fh.Open()
	if err != nil {
		writeErr(w, fmt.Errorf("reading upload: %w", err))
		return
	}
	defer f.Close()

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	ref, err := s.media.Put(r.Context(), media.BucketVideos, videoObjectName(taskID, fh.Filename), f, fh.Size, contentType)
	if err != nil {
		writeErr(w, fmt.Errorf("storing video: %w", err))
		return
	}
	s.logger.Info("video uploaded", "task", taskID, "ref", ref, "bytes", fh.Size)

	t, err := s.startTask(r, task.StartRequest{
		TaskID:         taskID,
		Source:         ref,
		IntersectionID: s.intersectionOrDefault(intersection),
		Direction:      r.FormValue("direction"),
		RoisConfig:     rois,
		DetectTypes:    types,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"taskId":   t.ID,
		"videoRef": ref,
		"task":     t,
		"message":  "video uploaded; processing started",
	})
}

func (s *Server) startTask(r *http.Request, req task.StartRequest) (*model.Task, error) {
	if s.tasks == nil {
		return nil, fmt.Errorf("task processing is not available")
	}
	return s.tasks.Start(r.Context(), req)
}

func (s *Server) intersectionOrDefault(id int) int {
	if id > 0 {
		return id
	}
	return s.board.DefaultIntersection()
}

// handleGetTask handles GET /task/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeErr(w, task.ErrNotFound)
		return
	}
	t, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": t})
}

// handleStopTask handles POST /task/{id}/stop.
func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeErr(w, task.ErrNotFound)
		return
	}
	t, err := s.tasks.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": t, "message": "task stopped"})
}

// handleListTasks handles GET /tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "total": 0, "tasks": []any{}})
		return
	}
	filter, err := taskFilterFromQuery(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	tasks, total, err := s.tasks.List(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "total": total, "tasks": tasks})
}

func taskFilterFromQuery(r *http.Request) (model.TaskFilter, error) {
	var f model.TaskFilter
	if v := r.URL.Query().Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st := model.TaskStatus(strings.TrimSpace(part))
			if !st.IsValid() {
				return f, inputError(fmt.Sprintf("unknown task status %q", part))
			}
			f.Status = append(f.Status, st)
		}
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		return f, err
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return f, err
	}
	f.Limit = clamp(limit, 1, 500)
	f.Offset = max(offset, 0)
	return f, nil
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
