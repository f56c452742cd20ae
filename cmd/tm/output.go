package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/trafficmind/internal/client"
	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/ui"
)

func printJSON(w io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(data))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func printTask(w io.Writer, t *model.Task) {
	fmt.Fprintf(w, "ID:            %s\n", t.ID)
	fmt.Fprintf(w, "Status:        %s\n", renderTaskStatus(t.Status))
	fmt.Fprintf(w, "Source:        %s\n", t.Source)
	fmt.Fprintf(w, "Intersection:  %d\n", t.IntersectionID)
	if t.Direction != "" {
		fmt.Fprintf(w, "Direction:     %s\n", t.Direction)
	}
	fmt.Fprintf(w, "Progress:      %s\n", ui.ProgressBar(t.Progress, 20))
	fmt.Fprintf(w, "Frames:        %d/%d", t.FramesProcessed, t.FramesTotal)
	if t.FramesFailed > 0 {
		fmt.Fprintf(w, " (%d failed)", t.FramesFailed)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Violations:    %d\n", t.ViolationCount)
	if t.Error != "" {
		fmt.Fprintf(w, "Error:         %s\n", ui.RenderError(t.Error))
	}
	fmt.Fprintf(w, "Created At:    %s\n", formatTime(t.CreatedAt))
	if t.FinishedAt != nil {
		fmt.Fprintf(w, "Finished At:   %s\n", formatTime(*t.FinishedAt))
	}
	if r := t.Result; r != nil {
		fmt.Fprintf(w, "Elapsed:       %.1fs (%.1f fps)\n", r.ElapsedTime, r.ActualFPS)
	}
}

func renderTaskStatus(s model.TaskStatus) string {
	switch s {
	case model.TaskCompleted:
		return ui.RenderSignal(model.ColorGreen, string(s))
	case model.TaskFailed, model.TaskStopped:
		return ui.RenderError(string(s))
	}
	return ui.RenderAccent(string(s))
}

func printViolationTable(w io.Writer, vs []*model.Violation) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tTYPE\tTRACK\tDIRECTION\tCONF\tTASK\tSTATUS")
	for _, v := range vs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%.2f\t%s\t%s\n",
			v.ID,
			formatTime(v.Timestamp),
			v.Type.ShortName(),
			v.TrackID,
			orDash(string(v.Direction)),
			v.Confidence,
			orDash(v.TaskID),
			orDash(string(v.Status)),
		)
	}
	tw.Flush()
}

// printStats prints a statistics overview followed by per-type counts.
func printStats(w io.Writer, ov *client.StatsOverview, types []client.TypeStat) {
	fmt.Fprintf(w, "%s to %s: %s\n", ov.StartDate, ov.EndDate,
		ui.RenderAccent(fmt.Sprintf("%d violation(s)", ov.Total)))
	fmt.Fprintf(w, "  pending %d, confirmed %d, rejected %d\n", ov.Pending, ov.Confirmed, ov.Rejected)
	fmt.Fprintf(w, "  %+.2f%% against the previous period\n", ov.GrowthRate)
	if len(types) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tNAME\tCOUNT")
	for _, t := range types {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", t.Type.ShortName(), t.TypeName, t.Count)
	}
	tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// printSummary prints per-type counts in a stable order.
func printSummary(w io.Writer, summary map[string]int) {
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %d\n", k, summary[k])
	}
}

func printDetectResult(w io.Writer, res *client.DetectResult) {
	fmt.Fprintf(w, "%s  %dx%d  %s\n", res.ImageName, res.ImageSize[0], res.ImageSize[1],
		ui.RenderAccent(fmt.Sprintf("%d violation(s)", res.TotalViolations)))
	printSummary(w, res.Summary)
	if len(res.Violations) > 0 {
		fmt.Fprintln(w)
		printViolationTable(w, res.Violations)
	}
}

func printSignals(w io.Writer, st model.SignalStatus) {
	header := fmt.Sprintf("Intersection %d", st.IntersectionID)
	if st.Mode != "" {
		header += "  " + ui.RenderMuted("("+string(st.Mode)+")")
	}
	fmt.Fprintln(w, header)
	fmt.Fprint(w, ui.SignalTable(st))
}

func printTaskList(w io.Writer, tasks []*model.Task, total int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tVIOLATIONS\tINTERSECTION\tCREATED")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d%%\t%d\t%d\t%s\n",
			t.ID, t.Status, t.Progress, t.ViolationCount, t.IntersectionID, formatTime(t.CreatedAt))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d tasks (%d total)\n", len(tasks), total)
}
