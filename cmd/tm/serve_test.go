package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/alfredjeanlab/trafficmind/internal/config"
	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/signal"
)

func TestInstallLogger_BoardLogsUseConfiguredFormat(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := config.Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "debug"

	var buf bytes.Buffer
	installLogger(cfg, &buf)

	board := signal.NewBoard(model.ModeBackend, 1)
	if _, err := board.SetMode(model.ModeSimulation); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &rec); err != nil {
		t.Fatalf("board log line is not JSON: %q (%v)", buf.String(), err)
	}
	if rec["msg"] != "signal source mode changed" || rec["to"] != "simulation" || rec["level"] != "INFO" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestInstallLogger_LevelFiltersPackageLogs(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := config.Default()
	cfg.Log.Level = "error"

	var buf bytes.Buffer
	installLogger(cfg, &buf)

	board := signal.NewBoard(model.ModeBackend, 1)
	if _, err := board.SetMode(model.ModeSimulation); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("info line passed an error-level logger: %q", buf.String())
	}
}
