package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		var code exitError
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitError carries a process exit status out of a command without printing.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// HistoryFlags holds flags for the history command
type HistoryFlags struct {
	Limit int
	JSON  bool
}

// UpdateCheckFlags holds flags for the update check command
type UpdateCheckFlags struct {
	FeedURL string
	Timeout time.Duration
}

// buildRoot creates the root command with every subcommand attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	historyFlags := &HistoryFlags{}
	updateFlags := &UpdateCheckFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createBackendStubCommand(),
		createHistoryCommand(globalFlags, historyFlags),
		createUpdateCommand(globalFlags, updateFlags),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "printshell",
		Short: "Desktop shell for the print backend",
		Long: `Printshell launches the bundled print backend on a free local port,
waits until it answers, relays UI requests to it and keeps a live
event stream of print tasks.

Examples:
  printshell run                          # start shell and backend
  printshell run --config=printshell.toml
  printshell history --limit=10           # recent backend starts and stops
  printshell update check                 # query the release feed`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the shell until interrupted",
		Long: `Run starts the backend, the UI bridge server and the event stream and
blocks until SIGINT or SIGTERM. The backend is stopped before exit; the
exit status is 1 when that stop failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdRun(cmd.Context(), globalFlags.ConfigPath)
		},
	}
}

// createBackendStubCommand creates the backend-stub subcommand
func createBackendStubCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backend-stub [launcher args]",
		Short: "Run an in-memory stand-in for the print backend",
		Long: `Backend-stub serves the backend HTTP API and STOMP endpoint from memory.
It accepts the launcher arguments the real backend receives, so
-Dserver.port=N selects the port. PRINTSHELL_STUB_MODE selects a
failure shape: serve (default), silent, stubborn or crash.

Examples:
  printshell backend-stub -Dserver.port=23333`,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := cmdBackendStub(args, os.Getenv("PRINTSHELL_STUB_MODE")); code != 0 {
				return exitError(code)
			}
			return nil
		},
	}
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(globalFlags *GlobalFlags, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent backend lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdHistory(cmd.Context(), cmd.OutOrStdout(), globalFlags.ConfigPath, *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 20, "number of events to show")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print events as JSON")
	return cmd
}

// createUpdateCommand creates the update command group
func createUpdateCommand(globalFlags *GlobalFlags, flags *UpdateCheckFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Release feed commands",
	}
	check := &cobra.Command{
		Use:   "check",
		Short: "Check the release feed for a newer version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdUpdateCheck(cmd.Context(), cmd.OutOrStdout(), globalFlags.ConfigPath, *flags)
		},
	}
	check.Flags().StringVar(&flags.FeedURL, "feed-url", "", "release feed URL (overrides config)")
	check.Flags().DurationVar(&flags.Timeout, "timeout", 30*time.Second, "request timeout")
	cmd.AddCommand(check)
	return cmd
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the shell version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
