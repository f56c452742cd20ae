package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// FrameExtractor samples still frames out of a video with ffmpeg.
type FrameExtractor struct {
	FFmpegPath string
	FPS        int
	Logger     *slog.Logger
}

// Extract writes frame_NNNNNN.jpg files into dir and returns their paths in
// playback order.
func (e *FrameExtractor) Extract(ctx context.Context, videoPath, dir string) ([]string, error) {
	bin := e.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	fps := e.FPS
	if fps <= 0 {
		fps = 5
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	pattern := filepath.Join(dir, "frame_%06d.jpg")
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-i", videoPath,
		"-vf", "fps="+strconv.Itoa(fps),
		"-q:v", "2",
		pattern,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg failed: %w, stderr: %s", err, stderr.String())
	}

	files, err := filepath.Glob(filepath.Join(dir, "frame_*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("list frame files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no frames extracted from %s", filepath.Base(videoPath))
	}
	sort.Strings(files)

	logger.Debug("extracted frames", "video", filepath.Base(videoPath), "frames", len(files), "fps", fps, "elapsed", time.Since(start))
	return files, nil
}
