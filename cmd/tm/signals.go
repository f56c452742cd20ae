package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/ui"
)

var signalsCmd = &cobra.Command{
	Use:     "signals",
	Aliases: []string{"sig"},
	Short:   "Show and control traffic signal state",
	GroupID: "signals",
}

var signalsStatusCmd = &cobra.Command{
	Use:   "status [intersection-id]",
	Short: "Show the lights of an intersection",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := 1
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid intersection id %q", args[0])
			}
			id = n
		}
		st, err := tmClient.SignalStatus(context.Background(), id)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(cmd.OutOrStdout(), st)
			return nil
		}
		printSignals(cmd.OutOrStdout(), *st)
		return nil
	},
}

var signalsModeCmd = &cobra.Command{
	Use:   "mode [backend|simulation]",
	Short: "Show or switch the signal source",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			mode, err := tmClient.SignalSourceMode(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(out, map[string]any{"mode": mode})
				return nil
			}
			fmt.Fprintln(out, mode)
			return nil
		}

		return setSignalMode(cmd, args[0])
	},
}

var signalsSetModeCmd = &cobra.Command{
	Use:   "set-mode <backend|simulation>",
	Short: "Switch the signal source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSignalMode(cmd, args[0])
	},
}

func setSignalMode(cmd *cobra.Command, arg string) error {
	out := cmd.OutOrStdout()
	mode := model.SignalMode(strings.ToLower(arg))
	if !mode.IsValid() {
		return fmt.Errorf("invalid mode %q (want backend or simulation)", arg)
	}
	changed, err := tmClient.SetSignalSourceMode(context.Background(), mode)
	if err != nil {
		return err
	}
	if jsonOutput {
		printJSON(out, map[string]any{"mode": mode, "changed": changed})
		return nil
	}
	if !changed {
		fmt.Fprintf(out, "Signal source already %s\n", mode)
		return nil
	}
	fmt.Fprintf(out, "%s Signal source set to %s\n", ui.RenderAccent("✓"), mode)
	return nil
}

var signalsPushCmd = &cobra.Command{
	Use:   "push <payload|->",
	Short: "Send a signal report to the gateway",
	Long: `Send a signal report to the gateway.

The payload may be any JSON shape the gateway accepts, such as
'{"north_bound":"green"}' or a junction list. Anything that is not JSON
is sent as controller text, one "路口N: 信号=CODE" line per junction.
Use "-" to read the payload from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := args[0]
		if raw == "-" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			raw = string(data)
		}
		intersection, _ := cmd.Flags().GetInt("intersection")

		st, err := tmClient.PushTraffic(context.Background(), intersection, pushPayload(raw))
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(cmd.OutOrStdout(), st)
			return nil
		}
		printSignals(cmd.OutOrStdout(), *st)
		return nil
	},
}

// pushPayload passes JSON through and wraps anything else as controller text.
func pushPayload(raw string) any {
	raw = strings.TrimSpace(raw)
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return map[string]string{"data": raw}
}

func init() {
	signalsPushCmd.Flags().Int("intersection", 0, "intersection id (default: from the payload)")

	signalsCmd.AddCommand(signalsStatusCmd)
	signalsCmd.AddCommand(signalsModeCmd)
	signalsCmd.AddCommand(signalsSetModeCmd)
	signalsCmd.AddCommand(signalsPushCmd)
}
