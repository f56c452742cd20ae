package main

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/trafficmind/internal/ui"
)

// helpRule styles every match of re with render applied to capture group 2,
// keeping groups 1 and 3 as they are.
type helpRule struct {
	re     *regexp.Regexp
	render func(string) string
}

var helpRules = []helpRule{
	// Section headers such as "Signals:" or "Flags:".
	{regexp.MustCompile(`(?m)^()([A-Z][A-Za-z ]*:)()\s*$`), ui.RenderAccent},
	// Command names in the command lists.
	{regexp.MustCompile(`(?m)^(  )([a-z][\w-]*)(  )`), ui.RenderCommand},
	// Flag value types, e.g. "--url string".
	{regexp.MustCompile(`(--?\S+\s+)(string|int|duration|stringSlice)()`), ui.RenderMuted},
	{regexp.MustCompile(`()(\(default [^)]*\))()`), ui.RenderMuted},
}

// colorizedHelpFunc returns a help function that colors cobra's plain
// usage text when stdout supports it.
func colorizedHelpFunc() func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		if !ui.ShouldUseColor() || noColor {
			_ = cmd.Usage()
			return
		}
		var buf bytes.Buffer
		cmd.SetOut(&buf)
		_ = cmd.Usage()
		cmd.SetOut(out)
		fmt.Fprint(out, colorizeHelp(buf.String()))
	}
}

func colorizeHelp(s string) string {
	for _, rule := range helpRules {
		s = rule.re.ReplaceAllStringFunc(s, func(match string) string {
			parts := rule.re.FindStringSubmatch(match)
			if len(parts) != 4 {
				return match
			}
			return parts[1] + rule.render(parts[2]) + parts[3]
		})
	}
	return s
}
