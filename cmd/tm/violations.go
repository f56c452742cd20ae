package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/trafficmind/internal/client"
	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/ui"
)

var violationsCmd = &cobra.Command{
	Use:     "violations",
	Aliases: []string{"vio"},
	Short:   "List recorded violations",
	GroupID: "detect",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		out := cmd.OutOrStdout()
		taskID, _ := cmd.Flags().GetString("task")

		if summary, _ := cmd.Flags().GetBool("summary"); summary {
			s, err := tmClient.ViolationSummary(ctx, taskID)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(out, s)
				return nil
			}
			fmt.Fprintln(out, ui.RenderAccent(fmt.Sprintf("%d violation(s)", s.Total)))
			printSummary(out, s.Short())
			return nil
		}

		q := client.ViolationQuery{TaskID: taskID}
		if typ, _ := cmd.Flags().GetString("type"); typ != "" {
			t, ok := model.ParseViolationType(typ)
			if !ok {
				return fmt.Errorf("unknown violation type %q", typ)
			}
			q.Type = string(t)
		}
		if status, _ := cmd.Flags().GetString("status"); status != "" {
			st, ok := model.ParseViolationStatus(status)
			if !ok {
				return fmt.Errorf("unknown violation status %q", status)
			}
			q.Status = string(st)
		}
		q.IntersectionID, _ = cmd.Flags().GetInt("intersection")
		q.Limit, _ = cmd.Flags().GetInt("limit")
		q.Offset, _ = cmd.Flags().GetInt("offset")

		list, err := tmClient.ListViolations(ctx, q)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(out, list)
			return nil
		}
		if len(list.Violations) == 0 {
			fmt.Fprintln(out, ui.RenderMuted("No violations found."))
			return nil
		}
		printViolationTable(out, list.Violations)
		fmt.Fprintf(out, "\n%d shown (%d total)\n", len(list.Violations), list.Total)
		return nil
	},
}

var violationsReviewCmd = &cobra.Command{
	Use:   "review <id>",
	Short: "Confirm or reject a pending violation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		req := client.ReviewRequest{Status: string(model.ViolationConfirmed)}
		if reject, _ := cmd.Flags().GetBool("reject"); reject {
			req.Status = string(model.ViolationRejected)
		}
		req.ProcessedBy, _ = cmd.Flags().GetString("by")
		req.ReviewNotes, _ = cmd.Flags().GetString("notes")

		v, err := tmClient.ReviewViolation(context.Background(), args[0], req)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(out, v)
			return nil
		}
		fmt.Fprintf(out, "%s %s\n", v.ID, ui.RenderAccent(string(v.Status)))
		return nil
	},
}

var violationsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show violation statistics for a date range",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		out := cmd.OutOrStdout()
		var r client.StatsRange
		r.StartDate, _ = cmd.Flags().GetString("from")
		r.EndDate, _ = cmd.Flags().GetString("to")

		ov, err := tmClient.ViolationOverview(ctx, r)
		if err != nil {
			return err
		}
		types, err := tmClient.ViolationsByType(ctx, r)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(out, map[string]any{"overview": ov, "byType": types})
			return nil
		}
		printStats(out, ov, types)
		return nil
	},
}

func init() {
	violationsReviewCmd.Flags().Bool("reject", false, "reject instead of confirming")
	violationsReviewCmd.Flags().String("by", "", "reviewer name")
	violationsReviewCmd.Flags().String("notes", "", "review notes")
	violationsStatsCmd.Flags().String("from", "", "first day, YYYY-MM-DD (default 30 days before --to)")
	violationsStatsCmd.Flags().String("to", "", "last day, YYYY-MM-DD (default today)")
	violationsCmd.AddCommand(violationsReviewCmd, violationsStatsCmd)

	violationsCmd.Flags().String("status", "", "pending, confirmed or rejected")
	violationsCmd.Flags().String("task", "", "only violations from this task")
	violationsCmd.Flags().String("type", "", "violation type, e.g. red_light or running_red_light")
	violationsCmd.Flags().Int("intersection", 0, "only violations at this intersection")
	violationsCmd.Flags().Int("limit", 50, "maximum violations to show")
	violationsCmd.Flags().Int("offset", 0, "skip this many violations")
	violationsCmd.Flags().Bool("summary", false, "show counts by type instead of a list")
}
