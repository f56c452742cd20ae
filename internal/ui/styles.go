package ui

import (
	"fmt"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// ANSI256 color codes.
const (
	colorAccent = 74  // blue
	colorCmd    = 250 // light gray
	colorMuted  = 245 // medium gray
	colorRed    = 196
	colorYellow = 220
	colorGreen  = 42
)

var noColor bool

func paint(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderCommand returns s styled as a command name (light gray).
func RenderCommand(s string) string { return paint(colorCmd, s) }

// RenderError returns s in red.
func RenderError(s string) string { return paint(colorRed, s) }

// RenderSignal returns s in the color of the signal head c.
func RenderSignal(c model.Color, s string) string {
	switch model.ParseColor(string(c)) {
	case model.ColorGreen:
		return paint(colorGreen, s)
	case model.ColorYellow:
		return paint(colorYellow, s)
	}
	return paint(colorRed, s)
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}

// SetColor enables or disables color output globally.
func SetColor(on bool) {
	noColor = !on
}
