package relayctl

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"dreamrelay/internal/config"
)

// Config carries the persistent CLI settings.
type Config struct {
	Addr  string
	Token string
}

func defaultConfig() *Config {
	return &Config{
		Addr:  config.GetEnv("DREAMRELAY_ADDR", "http://localhost:8080"),
		Token: config.GetEnv("DREAMRELAY_WORKER_TOKEN", ""),
	}
}

// buildRootCmdWith constructs the Cobra command tree wired to a Client.
func buildRootCmdWith(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Inspect and control a running dream stream relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfg.Addr, "addr", cfg.Addr, "Relay address (defaults DREAMRELAY_ADDR or http://localhost:8080)")
	root.PersistentFlags().StringVar(&cfg.Token, "token", cfg.Token, "Worker token for privileged calls (defaults DREAMRELAY_WORKER_TOKEN)")

	client := func() *Client { return NewClient(cfg.Addr, cfg.Token) }

	statusCmd := &cobra.Command{Use: "status", Short: "Show relay, backend and playback status", RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client().Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), formatStatus(s))
		return nil
	}}
	root.AddCommand(statusCmd)

	var currentOut string
	currentCmd := &cobra.Command{Use: "current", Short: "Download the latest frame", Example: "  relayctl current -o frame.webp", RunE: func(cmd *cobra.Command, args []string) error {
		data, n, ok, err := client().CurrentFrame(cmd.Context())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no frame cached yet")
		}
		out := currentOut
		if out == "" {
			out = fmt.Sprintf("frame-%d.webp", n)
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote frame #%d (%d bytes) to %s\n", n, len(data), out)
		return nil
	}}
	currentCmd.Flags().StringVarP(&currentOut, "output", "o", "", "Output file (defaults frame-<n>.webp)")
	root.AddCommand(currentCmd)

	var framesCount int
	framesCmd := &cobra.Command{Use: "frames", Short: "List recent frame metadata", RunE: func(cmd *cobra.Command, args []string) error {
		r, err := client().RecentFrames(cmd.Context(), framesCount)
		if err != nil {
			return err
		}
		for _, f := range r.Frames {
			age := time.Since(time.Unix(0, int64(f.Timestamp*float64(time.Second)))).Round(time.Second)
			fmt.Fprintf(cmd.OutOrStdout(), "#%-8d kf=%-5d %7d bytes  gen=%dms  %s ago\n",
				f.FrameNumber, f.KeyframeNumber, f.SizeBytes, f.GenerationTimeMs, age)
		}
		return nil
	}}
	framesCmd.Flags().IntVarP(&framesCount, "count", "n", 5, "Number of frames to list (max 30)")
	root.AddCommand(framesCmd)

	stopCmd := &cobra.Command{Use: "stop", Short: "Stop the worker now, skipping the idle grace period", RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client().Stop(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stopped: %v (%s -> %s)\n", s.Success, s.PreviousState, s.NewState)
		if s.Message != "" {
			fmt.Fprintln(cmd.OutOrStdout(), s.Message)
		}
		return nil
	}}
	root.AddCommand(stopCmd)

	stateCmd := &cobra.Command{Use: "state", Short: "Inspect or clear persisted worker state", RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("state requires a subcommand: info|clear")
	}}
	stateInfo := &cobra.Command{Use: "info", Short: "Show persisted state metadata", RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client().StateInfo(cmd.Context())
		if err != nil {
			return err
		}
		if !s.HasState {
			fmt.Fprintln(cmd.OutOrStdout(), "no persisted state")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "state: %d bytes, saved %s (%.0fs ago)\n",
			s.SizeBytes, time.Unix(s.SavedAtUnix, 0).Format(time.RFC3339), s.AgeSeconds)
		return nil
	}}
	stateClear := &cobra.Command{Use: "clear", Short: "Delete persisted state (requires --token)", RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().ClearState(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "state cleared")
		return nil
	}}
	stateCmd.AddCommand(stateInfo, stateClear)
	root.AddCommand(stateCmd)

	jsonCmd := &cobra.Command{Use: "json", Short: "Dump the raw status JSON", RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client().Status(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}}
	root.AddCommand(jsonCmd)

	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(os.Stdout, true) }})
	root.AddCommand(completionCmd)

	return root
}

// MainWithArgs is a testable variant of Main that accepts args explicitly.
// It returns an exit code (0 for success, non-zero on error).
func MainWithArgs(args []string) int {
	root := buildRootCmdWith(defaultConfig())
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

// Main returns an exit code (0 for success, non-zero on error) for use by cmd/relayctl.
func Main() int { return MainWithArgs(os.Args[1:]) }
