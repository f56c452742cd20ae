package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of the gateway",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := tmClient.Health(context.Background())
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			printJSON(out, h)
		} else {
			fmt.Fprintf(out, "Health:   %s\n", h.Status)
			fmt.Fprintf(out, "Service:  %s %s\n", h.Service, h.Version)
			fmt.Fprintf(out, "Mode:     %s\n", h.Mode)
			fmt.Fprintf(out, "Clients:  %d\n", h.Clients)
		}

		if h.Status != "healthy" {
			return fmt.Errorf("unhealthy: %s", h.Status)
		}
		return nil
	},
}
