package main

import (
	"fmt"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	Short:   "Manage named gateways",
	GroupID: "system",
}

// editRemotes loads the remotes file, applies fn and saves the result.
func editRemotes(fn func(*RemotesConfig) error) error {
	cfg, err := loadRemotesConfig()
	if err != nil {
		return err
	}
	if err := fn(&cfg); err != nil {
		return err
	}
	return saveRemotesConfig(cfg)
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Add or update a named gateway",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, raw := args[0], args[1]
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid gateway url %q (want http:// or https://)", raw)
		}
		token, _ := cmd.Flags().GetString("token")

		err := editRemotes(func(c *RemotesConfig) error {
			c.Set(name, Remote{URL: raw, Token: token})
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "remote %q added (%s)\n", name, raw)
		return nil
	},
}

var remoteRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a named gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := editRemotes(func(c *RemotesConfig) error { return c.Remove(args[0]) }); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "remote %q removed\n", args[0])
		return nil
	},
}

var remoteUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Set the active gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := editRemotes(func(c *RemotesConfig) error { return c.Use(args[0]) }); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "active remote set to %q\n", args[0])
		return nil
	},
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List gateways",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRemotesConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			for name, r := range cfg.Remotes {
				r.Token = maskToken(r.Token)
				cfg.Remotes[name] = r
			}
			printJSON(out, cfg)
			return nil
		}
		if len(cfg.Remotes) == 0 {
			fmt.Fprintln(out, "no remotes configured")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  NAME\tURL\tTOKEN")
		for _, name := range cfg.Names() {
			marker := "  "
			if name == cfg.Active {
				marker = "* "
			}
			r := cfg.Remotes[name]
			fmt.Fprintf(w, "%s%s\t%s\t%s\n", marker, name, r.URL, orDash(maskToken(r.Token)))
		}
		return w.Flush()
	},
}

// maskToken keeps the first 8 characters of long tokens.
func maskToken(t string) string {
	if len(t) <= 8 {
		return t
	}
	return t[:8] + "..."
}

func init() {
	remoteAddCmd.Flags().String("token", "", "bearer token for the gateway")

	remoteCmd.AddCommand(remoteAddCmd, remoteRemoveCmd, remoteListCmd, remoteUseCmd)
}
