package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/trafficmind/internal/client"
	"github.com/alfredjeanlab/trafficmind/internal/idgen"
	"github.com/alfredjeanlab/trafficmind/internal/model"
)

var startCmd = &cobra.Command{
	Use:     "start <video-url-or-path>",
	Short:   "Start processing a video the gateway can reach",
	GroupID: "detect",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := taskIDFlag(cmd)
		if err != nil {
			return err
		}
		req := client.StartRequest{TaskID: id}
		if isURL(args[0]) {
			req.VideoURL = args[0]
		} else {
			req.VideoPath = args[0]
		}
		req.IntersectionID, _ = cmd.Flags().GetInt("intersection")
		req.Direction, _ = cmd.Flags().GetString("direction")
		req.RoisConfig, _ = cmd.Flags().GetString("rois")
		req.DetectTypes, _ = cmd.Flags().GetString("types")

		res, err := tmClient.StartRealtime(context.Background(), req)
		if err != nil {
			return err
		}
		return afterStart(cmd, res)
	},
}

var uploadCmd = &cobra.Command{
	Use:     "upload <video>",
	Short:   "Upload a video and start processing it",
	GroupID: "detect",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := taskIDFlag(cmd)
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		types, _ := cmd.Flags().GetString("types")
		parsed, err := model.ParseDetectTypes(types)
		if err != nil {
			return err
		}
		req := client.UploadRequest{
			TaskID:      id,
			Filename:    filepath.Base(args[0]),
			Video:       f,
			DetectTypes: parsed,
		}
		req.IntersectionID, _ = cmd.Flags().GetInt("intersection")
		req.Direction, _ = cmd.Flags().GetString("direction")
		req.RoisConfig, _ = cmd.Flags().GetString("rois")

		res, err := tmClient.UploadVideo(context.Background(), req)
		if err != nil {
			return err
		}
		return afterStart(cmd, res)
	},
}

// afterStart reports an accepted task and optionally follows it.
func afterStart(cmd *cobra.Command, res *client.StartResponse) error {
	out := cmd.OutOrStdout()
	follow, _ := cmd.Flags().GetBool("watch")
	if jsonOutput && !follow {
		printJSON(out, res)
		return nil
	}
	if !jsonOutput {
		fmt.Fprintf(out, "task %s: %s\n", res.TaskID, res.Message)
		if res.VideoRef != "" {
			fmt.Fprintf(out, "video stored as %s\n", res.VideoRef)
		}
	}
	if !follow {
		return nil
	}
	return watchTask(cmd, res.TaskID)
}

func taskIDFlag(cmd *cobra.Command) (string, error) {
	if id, _ := cmd.Flags().GetString("task-id"); id != "" {
		return id, nil
	}
	return idgen.Task()
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

var taskCmd = &cobra.Command{
	Use:     "task [<id>]",
	Short:   "Show a task, or list recent tasks",
	GroupID: "detect",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			list, err := tmClient.ListTasks(context.Background(), status, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(out, list)
				return nil
			}
			printTaskList(out, list.Tasks, list.Total)
			return nil
		}

		t, err := tmClient.GetTask(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(out, t)
			return nil
		}
		printTask(out, t)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:     "stop <id>",
	Short:   "Stop a running task",
	GroupID: "detect",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := tmClient.StopTask(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(cmd.OutOrStdout(), t)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "task %s: %s\n", t.ID, t.Status)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{startCmd, uploadCmd} {
		c.Flags().String("task-id", "", "task id (default: generated)")
		c.Flags().Int("intersection", 0, "intersection id (default: the gateway's)")
		c.Flags().String("direction", "", "approach direction filmed by the camera")
		c.Flags().String("rois", "", "ROI configuration reference")
		c.Flags().String("types", "", "comma-separated violation types (default: all)")
		c.Flags().Bool("watch", false, "follow the task until it finishes")
	}
	taskCmd.Flags().String("status", "", "filter the list by status")
	taskCmd.Flags().Int("limit", 20, "maximum tasks to list")
}
