package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/trafficmind/internal/client"
	"github.com/alfredjeanlab/trafficmind/internal/ui"
)

var (
	gatewayURL string
	authToken  string
	jsonOutput bool
	noColor    bool

	tmClient *client.HTTPClient
)

func defaultURL() string {
	if s := os.Getenv("TM_URL"); s != "" {
		return s
	}
	if u := activeRemoteURL(); u != "" {
		return u
	}
	return "http://localhost:5000"
}

func defaultToken() string {
	if s := os.Getenv("TM_TOKEN"); s != "" {
		return s
	}
	return activeRemoteToken()
}

var rootCmd = &cobra.Command{
	Use:           "tm <command>",
	Short:         "TrafficMind gateway and client",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}
		tmClient = client.NewHTTPClient(gatewayURL, authToken)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "url", defaultURL(), "gateway URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", defaultToken(), "bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "detect", Title: "Detection:"},
		&cobra.Group{ID: "signals", Title: "Signals:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Detection
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(violationsCmd)

	// Signals
	rootCmd.AddCommand(signalsCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(remoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
