package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/trafficmind/internal/client"
	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch <task-id>",
	Short:   "Follow a task's frames, violations and status",
	GroupID: "detect",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchTask(cmd, args[0])
	},
}

func watchTask(cmd *cobra.Command, taskID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	limit, _ := cmd.Flags().GetInt("max-violations")
	if limit <= 0 {
		limit = client.FeedMedium
	}

	sock, err := client.DialSocket(ctx, tmClient.BaseURL(), tmClient.Token())
	if err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	defer sock.Close()
	if err := sock.Subscribe(taskID); err != nil {
		return err
	}

	view := client.NewTaskView(taskID, limit)
	view.Starting()
	view.SetConnected(true)

	// A task that already finished sends no more events.
	if t, err := tmClient.GetTask(ctx, taskID); err == nil && t != nil && t.Status.IsTerminal() {
		out := cmd.OutOrStdout()
		if jsonOutput {
			printJSON(out, t)
		} else {
			printTask(out, t)
		}
		return taskOutcome(t.Status, t.Error)
	}

	var panel *client.SignalPanel
	if show, _ := cmd.Flags().GetBool("signals"); show {
		panel = client.NewSignalPanel()
	}
	return followEvents(ctx, cmd.OutOrStdout(), sock.Events(), view, panel)
}

// followEvents prints events for the view until it reaches a final state,
// the channel closes or ctx ends. Traffic updates are shown only when panel
// is non-nil.
func followEvents(ctx context.Context, out io.Writer, evs <-chan client.Event, view *client.TaskView, panel *client.SignalPanel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-evs:
			if !ok {
				view.SetConnected(false)
				if view.Status.Done() {
					return nil
				}
				return errors.New("connection to gateway lost")
			}
			if ev.Name == "traffic" && panel != nil {
				if err := panel.Apply(ev); err == nil {
					writeEvent(out, ev, func() { printSignals(out, panel.Status()) })
				}
				continue
			}
			if !view.Apply(ev) {
				continue
			}
			writeEvent(out, ev, func() { renderEvent(out, ev.Name, view) })
			if view.Status.Done() {
				if view.Status == client.ViewError {
					return fmt.Errorf("task %s: %s", view.TaskID, view.Message)
				}
				return nil
			}
		}
	}
}

// writeEvent prints ev as one JSON line with --json and calls render otherwise.
func writeEvent(out io.Writer, ev client.Event, render func()) {
	if jsonOutput {
		_ = json.NewEncoder(out).Encode(ev)
		return
	}
	render()
}

func renderEvent(out io.Writer, name string, view *client.TaskView) {
	switch name {
	case "violation":
		items := view.Violations.Items()
		if len(items) == 0 {
			return
		}
		v := items[0]
		fmt.Fprintf(out, "%s %s track=%d %s conf=%.2f\n",
			ui.RenderError("violation"), v.Type.ShortName(), v.TrackID, orDash(string(v.Direction)), v.Confidence)
	case "frame":
		fmt.Fprintf(out, "%-10s frame %-6d %s\n", view.Status, view.CurrentFrame, ui.ProgressBar(view.Progress, 20))
	case "complete":
		fmt.Fprintf(out, "%s %s\n", ui.RenderSignal(model.ColorGreen, "completed"), view.Message)
		if r := view.Result; r != nil {
			fmt.Fprintf(out, "  frames %d/%d in %.1fs (%.1f fps), %d violation(s)\n",
				r.ProcessedFrames, r.TotalFrames, r.ElapsedTime, r.ActualFPS, r.ViolationSummary.Total)
		}
	case "error":
		fmt.Fprintf(out, "%s %s\n", ui.RenderError("error"), view.Message)
	default:
		line := string(view.Status)
		if view.Message != "" {
			line += ": " + view.Message
		}
		fmt.Fprintln(out, ui.RenderAccent(line))
	}
}

func taskOutcome(s model.TaskStatus, msg string) error {
	if s == model.TaskCompleted {
		return nil
	}
	if msg == "" {
		msg = string(s)
	}
	return fmt.Errorf("task %s", msg)
}

func init() {
	watchCmd.Flags().Int("max-violations", client.FeedMedium, "violations kept in the feed")
	watchCmd.Flags().Bool("signals", false, "also show signal changes")
	for _, c := range []*cobra.Command{startCmd, uploadCmd} {
		c.Flags().Int("max-violations", client.FeedMedium, "violations kept in the feed when watching")
		c.Flags().Bool("signals", false, "also show signal changes when watching")
	}
}
