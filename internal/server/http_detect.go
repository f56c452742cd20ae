package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/alfredjeanlab/trafficmind/internal/detector"
	"github.com/alfredjeanlab/trafficmind/internal/events"
	"github.com/alfredjeanlab/trafficmind/internal/idgen"
	"github.com/alfredjeanlab/trafficmind/internal/media"
	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/signal"
)

// multipartMemory is how much of a multipart body is held in memory; the
// rest spills to temporary files.
const multipartMemory = 32 << 20

// defaultImageTypes are judged when an image request names no types.
var defaultImageTypes = []model.ViolationType{model.ViolationRedLight, model.ViolationLaneChange}

// detectParams are the options shared by the image endpoints.
type detectParams struct {
	signals        *model.SignalStatus // nil uses the board
	types          []model.ViolationType
	intersectionID int
	roisConfig     string
}

// imageResult is the response body of the image endpoints.
type imageResult struct {
	Success         bool               `json:"success"`
	ImageName       string             `json:"image_name,omitempty"`
	ImageSize       [2]int             `json:"image_size"`
	TotalViolations int                `json:"total_violations"`
	Violations      []*model.Violation `json:"violations"`
	Summary         map[string]int     `json:"summary"`
	AnnotatedImage  string             `json:"annotated_image,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// batchItem reports one image of a batch.
type batchItem struct {
	ImageName       string             `json:"image_name"`
	Success         bool               `json:"success"`
	Message         string             `json:"message,omitempty"`
	TotalViolations int                `json:"total_violations"`
	Summary         map[string]int     `json:"summary,omitempty"`
	Violations      []*model.Violation `json:"violations,omitempty"`
}

func (s *Server) parseDetectParams(signalsJSON []byte, types, intersection, rois string) (detectParams, error) {
	p := detectParams{intersectionID: s.board.DefaultIntersection(), roisConfig: strings.TrimSpace(rois)}

	if intersection = strings.TrimSpace(intersection); intersection != "" {
		n, err := strconv.Atoi(intersection)
		if err != nil || n <= 0 {
			return p, inputError("intersectionId must be a positive integer")
		}
		p.intersectionID = n
	}
	if err := model.ValidateRoisConfig(p.roisConfig); err != nil {
		return p, err
	}

	parsed, err := model.ParseDetectTypes(types)
	if err != nil {
		return p, err
	}
	p.types = parsed
	if len(p.types) == 0 {
		p.types = defaultImageTypes
	}

	if trimmed := bytes.TrimSpace(signalsJSON); len(trimmed) > 0 && string(trimmed) != "null" {
		st, err := signal.ParseFeed(trimmed)
		if err != nil {
			return p, inputError("invalid signals JSON: " + err.Error())
		}
		st.IntersectionID = p.intersectionID
		st.Normalize()
		p.signals = &st
	}
	return p, nil
}

// detectImage runs one image through the detector, records what it finds
// and builds the response.
func (s *Server) detectImage(ctx context.Context, name string, data []byte, p detectParams) (*imageResult, error) {
	width, height, _, err := media.ImageSize(data)
	if err != nil {
		return nil, inputError(fmt.Sprintf("cannot decode image %q", name))
	}
	if s.detector == nil {
		return nil, detector.ErrUnavailable
	}

	status := s.board.Snapshot(p.intersectionID)
	if p.signals != nil {
		status = *p.signals
	}

	res, err := s.detector.DetectWithRetry(ctx, detector.Request{
		Image:           data,
		Filename:        name,
		Signals:         status.Signals,
		LeftTurnSignals: status.LeftTurnSignals,
		DetectTypes:     p.types,
		RoisConfig:      p.roisConfig,
		IntersectionID:  p.intersectionID,
	}, s.opts.Retries)
	if err != nil {
		return nil, err
	}
	s.metrics.ImagesDetected.Add(1)

	out := &imageResult{
		Success:        true,
		ImageName:      name,
		ImageSize:      [2]int{width, height},
		Violations:     []*model.Violation{},
		Summary:        make(map[string]int, len(p.types)),
		AnnotatedImage: res.AnnotatedImage,
		Timestamp:      time.Now().UTC(),
	}
	for _, t := range p.types {
		out.Summary[t.ShortName()] = 0
	}
	for _, dv := range res.Violations {
		v := s.recordImageViolation(ctx, p, dv)
		if v == nil {
			continue
		}
		out.Violations = append(out.Violations, v)
		out.Summary[v.Type.ShortName()]++
	}
	out.TotalViolations = len(out.Violations)
	return out, nil
}

// recordImageViolation stores and announces one finding. Findings of unknown
// or unrequested types are dropped.
func (s *Server) recordImageViolation(ctx context.Context, p detectParams, dv detector.Violation) *model.Violation {
	typ, ok := dv.ViolationType()
	if !ok || !lo.Contains(p.types, typ) {
		return nil
	}
	id, err := idgen.Violation()
	if err != nil {
		s.logger.Warn("violation id", "error", err)
		return nil
	}
	v := &model.Violation{
		ID:             id,
		IntersectionID: p.intersectionID,
		Type:           typ,
		TrackID:        dv.TrackID,
		Confidence:     dv.Confidence,
		Timestamp:      time.Now().UTC(),
		Source:         model.SourceImage,
	}
	if d, ok := model.ParseDirection(dv.Direction); ok {
		v.Direction = d
	}
	if err := model.ValidateViolation(v); err != nil {
		s.logger.Warn("dropping malformed violation", "error", err)
		return nil
	}

	if dv.Screenshot != "" && s.media != nil {
		if data, err := media.DecodeBase64(dv.Screenshot); err != nil {
			s.logger.Warn("screenshot decode failed", "violation", id, "error", err)
		} else if ref, err := s.media.Put(ctx, media.BucketScreenshots, "images/"+id+".jpg",
			bytes.NewReader(data), int64(len(data)), "image/jpeg"); err != nil {
			s.logger.Warn("screenshot upload failed", "violation", id, "error", err)
		} else {
			v.Screenshot = ref
		}
	}

	if err := s.store.RecordViolation(context.WithoutCancel(ctx), v); err != nil {
		s.logger.Warn("failed to record violation", "violation", id, "error", err)
	}
	s.metrics.ViolationRecorded(typ)
	s.Emit(context.WithoutCancel(ctx), events.TopicViolation, "", events.ViolationDetected{Violation: v})
	return v
}

// parseMultipart bounds the body and parses the form. The caller must call
// the returned cleanup.
func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) (func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isTooLarge(err) {
			return func() {}, &http.MaxBytesError{Limit: s.opts.MaxUploadBytes}
		}
		return func() {}, inputError("invalid multipart form: " + err.Error())
	}
	return func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}, nil
}

func isTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large")
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// handleDetectImage handles POST /detect-image.
func (s *Server) handleDetectImage(w http.ResponseWriter, r *http.Request) {
	cleanup, err := s.parseMultipart(w, r)
	defer cleanup()
	if err != nil {
		writeErr(w, err)
		return
	}

	files := r.MultipartForm.File["image"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "missing image file (image)")
		return
	}
	if files[0].Filename == "" {
		writeError(w, http.StatusBadRequest, "no image file selected")
		return
	}

	p, err := s.parseDetectParams([]byte(r.FormValue("signals")), r.FormValue("detect_types"),
		r.FormValue("intersectionId"), r.FormValue("roisConfig"))
	if err != nil {
		writeErr(w, err)
		return
	}

	data, err := readPart(files[0])
	if err != nil {
		writeErr(w, fmt.Errorf("reading image: %w", err))
		return
	}
	res, err := s.detectImage(r.Context(), files[0].Filename, data, p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDetectImageBase64 handles POST /detect-image-base64.
func (s *Server) handleDetectImageBase64(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Image          string  `json:"image"`
		Signals        rawJSON `json:"signals"`
		DetectTypes    string  `json:"detect_types"`
		IntersectionID flexInt `json:"intersectionId"`
		RoisConfig     string  `json:"roisConfig"`
		Name           string  `json:"name"`
	}
	if err := decodeJSON(w, r, s.opts.MaxUploadBytes, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "missing image data (image)")
		return
	}
	data, err := media.DecodeBase64(req.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot decode image data")
		return
	}

	intersection := ""
	if req.IntersectionID > 0 {
		intersection = strconv.Itoa(int(req.IntersectionID))
	}
	p, err := s.parseDetectParams(req.Signals, req.DetectTypes, intersection, req.RoisConfig)
	if err != nil {
		writeErr(w, err)
		return
	}

	name := req.Name
	if name == "" {
		name = "uploaded_image.jpg"
	}
	res, err := s.detectImage(r.Context(), name, data, p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDetectBatch handles POST /detect-batch. Per-image failures are
// reported in the results, not as a request failure.
func (s *Server) handleDetectBatch(w http.ResponseWriter, r *http.Request) {
	cleanup, err := s.parseMultipart(w, r)
	defer cleanup()
	if err != nil {
		writeErr(w, err)
		return
	}

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "missing image files (images)")
		return
	}

	p, err := s.parseDetectParams([]byte(r.FormValue("signals")), r.FormValue("detect_types"),
		r.FormValue("intersectionId"), r.FormValue("roisConfig"))
	if err != nil {
		writeErr(w, err)
		return
	}

	results := make([]batchItem, 0, len(files))
	processed, total := 0, 0
	for _, fh := range files {
		item := batchItem{ImageName: fh.Filename}
		data, err := readPart(fh)
		if err == nil {
			var res *imageResult
			if res, err = s.detectImage(r.Context(), fh.Filename, data, p); err == nil {
				item.Success = true
				item.TotalViolations = res.TotalViolations
				item.Summary = res.Summary
				item.Violations = res.Violations
				processed++
				total += res.TotalViolations
			}
		}
		if err != nil {
			item.Message = err.Error()
		}
		results = append(results, item)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"total_images":     len(files),
		"processed_images": processed,
		"total_violations": total,
		"results":          results,
		"timestamp":        time.Now().UTC(),
	})
}

// rawJSON keeps a JSON value undecoded. Unlike json.RawMessage it tolerates
// a string holding JSON, which some dashboards send for signals.
type rawJSON []byte

func (r *rawJSON) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = rawJSON(s)
		return nil
	}
	*r = append((*r)[:0], data...)
	return nil
}
