package task

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/alfredjeanlab/trafficmind/internal/detector"
	"github.com/alfredjeanlab/trafficmind/internal/events"
	"github.com/alfredjeanlab/trafficmind/internal/idgen"
	"github.com/alfredjeanlab/trafficmind/internal/media"
	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// errNoFrames is returned when every frame failed detection.
var errNoFrames = errors.New("no frame could be analysed")

const persistTimeout = 5 * time.Second

func (m *Manager) runPipeline(ctx context.Context, r *run) {
	t := r.snapshot()
	logger := m.logger.With("task", t.ID)
	start := time.Now()

	err := m.process(ctx, r, logger, start)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		m.finish(ctx, r, model.TaskStopped, "task stopped", logger)
	default:
		logger.Warn("task failed", "err", err)
		m.finish(ctx, r, model.TaskFailed, err.Error(), logger)
	}
}

func (m *Manager) process(ctx context.Context, r *run, logger *slog.Logger, start time.Time) error {
	t := r.snapshot()

	dir, err := os.MkdirTemp(m.cfg.WorkDir, "trafficmind-"+workDirName(t.ID)+"-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := m.setStatus(ctx, r, model.TaskDownloading, "fetching video", nil); err != nil {
		return err
	}
	video, err := m.fetchVideo(ctx, t.Source, dir)
	if err != nil {
		return err
	}

	framesDir := filepath.Join(dir, "frames")
	if err := os.Mkdir(framesDir, 0o755); err != nil {
		return fmt.Errorf("create frames dir: %w", err)
	}
	frames, err := m.cfg.Frames.Extract(ctx, video, framesDir)
	if err != nil {
		return err
	}
	total := len(frames)

	if err := m.setStatus(ctx, r, model.TaskProcessing, fmt.Sprintf("processing %d frames", total), func(t *model.Task) {
		t.FramesTotal = total
	}); err != nil {
		return err
	}
	t = r.snapshot()
	logger.Info("processing frames", "frames", total)

	summary := model.NewViolationSummary()
	for i, path := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		frameNumber := i + 1
		found, err := m.processFrame(ctx, t, frameNumber, path, &summary, logger)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		progress := frameNumber * 100 / total
		cur := r.update(func(t *model.Task) {
			if err != nil {
				t.FramesFailed++
			} else {
				t.FramesProcessed++
				t.ViolationCount += found
			}
			if progress > t.Progress {
				t.Progress = min(progress, 100)
			}
		})
		if err != nil {
			logger.Warn("frame skipped", "frame", frameNumber, "err", err)
		}
		if frameNumber%m.cfg.PersistEvery == 0 {
			m.persist(ctx, cur, logger)
		}
	}

	final := r.snapshot()
	if final.FramesProcessed == 0 {
		return errNoFrames
	}

	elapsed := time.Since(start).Seconds()
	result := &model.TaskResult{
		TotalFrames:      total,
		ProcessedFrames:  final.FramesProcessed,
		ElapsedTime:      math.Round(elapsed*100) / 100,
		ViolationSummary: summary,
	}
	if elapsed > 0 {
		result.ActualFPS = math.Round(float64(final.FramesProcessed)/elapsed*100) / 100
	}

	done, err := r.transition(model.TaskCompleted, func(t *model.Task) {
		t.Progress = 100
		t.Result = result
	})
	if err != nil {
		return err
	}
	m.persist(ctx, done, logger)
	m.emit(ctx, events.TopicTaskComplete, done.ID, events.TaskComplete{
		TaskID:  done.ID,
		Result:  result,
		Message: fmt.Sprintf("processed %d frames, %d violations", result.ProcessedFrames, summary.Total),
	})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TaskFinished(model.TaskCompleted)
	}
	logger.Info("task completed", "frames", result.ProcessedFrames, "violations", summary.Total, "elapsed", elapsed)
	return nil
}

// processFrame runs one frame through the detector, records what it found
// and pushes the frame to dashboards. It returns the number of violations.
func (m *Manager) processFrame(ctx context.Context, t *model.Task, frameNumber int, path string, summary *model.ViolationSummary, logger *slog.Logger) (int, error) {
	img, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read frame: %w", err)
	}

	sig := m.cfg.Signals.Snapshot(t.IntersectionID)
	res, err := m.cfg.Detector.DetectWithRetry(ctx, detector.Request{
		Image:           img,
		Filename:        filepath.Base(path),
		Signals:         sig.Signals,
		LeftTurnSignals: sig.LeftTurnSignals,
		DetectTypes:     t.DetectTypes,
		RoisConfig:      t.RoisConfig,
		IntersectionID:  t.IntersectionID,
		Direction:       t.Direction,
		TaskID:          t.ID,
		FrameNumber:     frameNumber,
	}, m.cfg.Retries)
	if err != nil {
		return 0, err
	}

	found := 0
	for _, dv := range res.Violations {
		v := m.recordViolation(ctx, t, frameNumber, dv, logger)
		if v == nil {
			continue
		}
		found++
		summary.Add(v.Type)
		m.emit(ctx, events.TopicViolation, t.ID, events.ViolationDetected{
			TaskID:      t.ID,
			Violation:   v,
			FrameNumber: frameNumber,
		})
	}

	shown := img
	if res.AnnotatedImage != "" {
		if annotated, err := media.DecodeBase64(res.AnnotatedImage); err == nil {
			shown = annotated
		}
	}
	if encoded, err := media.EncodeFrame(shown, m.cfg.FrameMaxWidth, m.cfg.JPEGQuality); err == nil {
		shown = encoded
	} else {
		logger.Debug("frame re-encode failed, sending original", "frame", frameNumber, "err", err)
	}

	progress := min(frameNumber*100/max(t.FramesTotal, frameNumber), 100)
	m.emit(ctx, events.TopicFrame, t.ID, events.Frame{
		TaskID:      t.ID,
		FrameNumber: frameNumber,
		Progress:    progress,
		Image:       base64.StdEncoding.EncodeToString(shown),
		Violations:  found,
	})
	return found, nil
}

// recordViolation converts a detector finding into a stored violation.
// Findings of unknown or unrequested types are dropped.
func (m *Manager) recordViolation(ctx context.Context, t *model.Task, frameNumber int, dv detector.Violation, logger *slog.Logger) *model.Violation {
	typ, ok := dv.ViolationType()
	if !ok {
		logger.Debug("ignoring unknown violation type", "type", dv.Type)
		return nil
	}
	if len(t.DetectTypes) > 0 && !lo.Contains(t.DetectTypes, typ) {
		return nil
	}

	id, err := idgen.Violation()
	if err != nil {
		logger.Warn("violation id", "err", err)
		return nil
	}
	direction := t.Direction
	if d, ok := model.ParseDirection(dv.Direction); ok {
		direction = d
	}
	v := &model.Violation{
		ID:             id,
		TaskID:         t.ID,
		IntersectionID: t.IntersectionID,
		Type:           typ,
		TrackID:        dv.TrackID,
		Direction:      direction,
		Confidence:     dv.Confidence,
		Timestamp:      time.Now().UTC(),
		FrameNumber:    frameNumber,
		Source:         model.SourceVideo,
	}
	if err := model.ValidateViolation(v); err != nil {
		logger.Warn("dropping malformed violation", "err", err)
		return nil
	}

	if dv.Screenshot != "" && m.cfg.Media != nil {
		if ref, err := m.saveScreenshot(ctx, t.ID, id, dv.Screenshot); err != nil {
			logger.Warn("screenshot upload failed", "violation", id, "err", err)
		} else {
			v.Screenshot = ref
		}
	}

	if err := m.cfg.Store.RecordViolation(context.WithoutCancel(ctx), v); err != nil {
		logger.Warn("record violation", "violation", id, "err", err)
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ViolationRecorded(typ)
	}
	return v
}

func (m *Manager) saveScreenshot(ctx context.Context, taskID, violationID, b64 string) (string, error) {
	data, err := media.DecodeBase64(b64)
	if err != nil {
		return "", err
	}
	name := taskID + "/" + violationID + ".jpg"
	return m.cfg.Media.Put(ctx, media.BucketScreenshots, name, bytes.NewReader(data), int64(len(data)), "image/jpeg")
}

// setStatus transitions the run, persists it and announces the change.
func (m *Manager) setStatus(ctx context.Context, r *run, to model.TaskStatus, msg string, mutate func(*model.Task)) error {
	t, err := r.transition(to, mutate)
	if err != nil {
		return err
	}
	m.persist(ctx, t, m.logger)
	m.emit(ctx, events.TopicTaskStatus, t.ID, events.TaskStatusChanged{
		TaskID:   t.ID,
		Status:   t.Status,
		Progress: t.Progress,
		Message:  msg,
	})
	return nil
}

// finish moves the run to a stopped or failed state.
func (m *Manager) finish(ctx context.Context, r *run, to model.TaskStatus, msg string, logger *slog.Logger) {
	t, err := r.transition(to, func(t *model.Task) {
		if to == model.TaskFailed {
			t.Error = msg
		}
	})
	if err != nil {
		logger.Warn("task already finished", "err", err)
		return
	}
	m.persist(ctx, t, logger)
	m.emit(ctx, events.TopicTaskStatus, t.ID, events.TaskStatusChanged{
		TaskID:   t.ID,
		Status:   t.Status,
		Progress: t.Progress,
		Message:  msg,
	})
	if to == model.TaskFailed {
		m.emit(ctx, events.TopicTaskError, t.ID, events.TaskError{TaskID: t.ID, Message: msg})
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TaskFinished(to)
	}
	logger.Info("task finished", "status", to)
}

// persist writes t to the store. It survives cancellation of the task so
// the final state of a stopped task is still saved.
func (m *Manager) persist(ctx context.Context, t *model.Task, logger *slog.Logger) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := m.cfg.Store.UpdateTask(pctx, t); err != nil {
		logger.Warn("persist task", "task", t.ID, "err", err)
	}
}

func (m *Manager) emit(ctx context.Context, topic, taskID string, event any) {
	m.cfg.Emitter.Emit(context.WithoutCancel(ctx), topic, taskID, event)
}

// workDirName maps a task ID onto a single path element for the scratch
// directory pattern.
func workDirName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
