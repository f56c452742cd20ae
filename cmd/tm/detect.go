package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/trafficmind/internal/client"
	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/signal"
)

var detectCmd = &cobra.Command{
	Use:     "detect <image>",
	Short:   "Run violation detection on a still image",
	GroupID: "detect",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		opts, err := detectOptionsFromFlags(cmd)
		if err != nil {
			return err
		}
		inline, _ := cmd.Flags().GetBool("base64")
		annotated, _ := cmd.Flags().GetString("save-annotated")

		var res *client.DetectResult
		if inline {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			res, err = tmClient.DetectImageBase64(context.Background(), filepath.Base(path), data, opts)
			if err != nil {
				return err
			}
		} else {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			res, err = tmClient.DetectImage(context.Background(), filepath.Base(path), f, opts)
			if err != nil {
				return err
			}
		}

		if annotated != "" && res.AnnotatedImage != "" {
			data, err := base64.StdEncoding.DecodeString(res.AnnotatedImage)
			if err != nil {
				return fmt.Errorf("decoding annotated image: %w", err)
			}
			if err := os.WriteFile(annotated, data, 0o644); err != nil {
				return err
			}
		}

		if jsonOutput {
			res.AnnotatedImage = ""
			printJSON(cmd.OutOrStdout(), res)
			return nil
		}
		printDetectResult(cmd.OutOrStdout(), res)
		return nil
	},
}

func detectOptionsFromFlags(cmd *cobra.Command) (client.DetectOptions, error) {
	var opts client.DetectOptions
	types, _ := cmd.Flags().GetString("types")
	parsed, err := model.ParseDetectTypes(types)
	if err != nil {
		return opts, err
	}
	opts.DetectTypes = parsed
	opts.IntersectionID, _ = cmd.Flags().GetInt("intersection")
	opts.RoisConfig, _ = cmd.Flags().GetString("rois")

	if raw, _ := cmd.Flags().GetString("signals"); raw != "" {
		st, err := signal.ParseFeed([]byte(raw))
		if err != nil {
			return opts, fmt.Errorf("--signals: %w", err)
		}
		opts.Signals = &st
	}
	return opts, nil
}

func init() {
	detectCmd.Flags().String("types", "", "comma-separated violation types (default red_light,lane_change)")
	detectCmd.Flags().Int("intersection", 0, "intersection id (default: the gateway's)")
	detectCmd.Flags().String("rois", "", "ROI configuration reference")
	detectCmd.Flags().String("signals", "", `signal override as JSON, e.g. '{"north_bound":"green"}'`)
	detectCmd.Flags().Bool("base64", false, "send the image inline as base64 JSON")
	detectCmd.Flags().String("save-annotated", "", "write the annotated image to this path")
}
