package ui

import (
	"fmt"
	"strings"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

var directionLabels = map[model.Direction]string{
	model.NorthBound: "North",
	model.SouthBound: "South",
	model.EastBound:  "East",
	model.WestBound:  "West",
}

// Lamp renders one head as a colored dot followed by the color name.
func Lamp(c model.Color) string {
	c = model.ParseColor(string(c))
	return RenderSignal(c, "●") + " " + fmt.Sprintf("%-6s", c)
}

// SignalTable renders the through and left-turn heads of every approach,
// one approach per line.
func SignalTable(st model.SignalStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-8s %s\n", RenderMuted(fmt.Sprintf("%-6s", "")), "through", "left")
	for _, d := range model.Directions {
		fmt.Fprintf(&b, "%-6s  %s   %s\n", directionLabels[d], Lamp(st.Signals[d]), Lamp(st.LeftTurnSignals[d]))
	}
	return b.String()
}

// ProgressBar renders pct (0-100) as a bar of the given width.
func ProgressBar(pct, width int) string {
	pct = min(max(pct, 0), 100)
	width = max(width, 1)
	filled := pct * width / 100
	return RenderAccent(strings.Repeat("█", filled)) + RenderMuted(strings.Repeat("░", width-filled)) +
		fmt.Sprintf(" %3d%%", pct)
}
