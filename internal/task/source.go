package task

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/alfredjeanlab/trafficmind/internal/media"
)

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// checkSource rejects sources the pipeline could never open. Local paths
// must resolve inside the media directory.
func (m *Manager) checkSource(src string) error {
	switch {
	case media.IsRef(src):
		if m.cfg.Media == nil {
			return fieldError("videoPath", "media storage is not configured")
		}
		return nil
	case isURL(src):
		return nil
	}
	p, err := m.localPath(src)
	if err != nil {
		return fieldError("videoPath", err.Error())
	}
	fi, err := os.Stat(p)
	if err != nil {
		return fieldError("videoPath", fmt.Sprintf("cannot open %s", src))
	}
	if fi.IsDir() {
		return fieldError("videoPath", fmt.Sprintf("%s is a directory", src))
	}
	return nil
}

func (m *Manager) localPath(src string) (string, error) {
	if m.cfg.MediaDir == "" {
		return "", fmt.Errorf("local video paths are disabled")
	}
	root, err := filepath.Abs(m.cfg.MediaDir)
	if err != nil {
		return "", err
	}
	p := src
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path must be inside the media directory")
	}
	return p, nil
}

// fetchVideo makes the source available as a local file in dir and returns
// its path.
func (m *Manager) fetchVideo(ctx context.Context, src, dir string) (string, error) {
	switch {
	case media.IsRef(src):
		dst := filepath.Join(dir, "input"+filepath.Ext(src))
		f, err := os.Create(dst)
		if err != nil {
			return "", err
		}
		if err := m.cfg.Media.Get(ctx, src, f); err != nil {
			f.Close()
			return "", fmt.Errorf("fetch %s: %w", src, err)
		}
		return dst, f.Close()

	case isURL(src):
		return m.download(ctx, src, dir)
	}
	return m.localPath(src)
}

func (m *Manager) download(ctx context.Context, rawURL, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download video: %s", resp.Status)
	}

	ext := filepath.Ext(req.URL.Path)
	if ext == "" || len(ext) > 5 {
		ext = ".mp4"
	}
	dst := filepath.Join(dir, "input"+ext)
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("download video: %w", err)
	}
	return dst, f.Close()
}
