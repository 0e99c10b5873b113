package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	slogctx "github.com/veqryn/slog-context"

	"github.com/hostelmate/session-manager/cmd/hostelmate/login"
	"github.com/hostelmate/session-manager/cmd/hostelmate/loginsso"
	"github.com/hostelmate/session-manager/cmd/hostelmate/logout"
	"github.com/hostelmate/session-manager/cmd/hostelmate/refresh"
	"github.com/hostelmate/session-manager/cmd/hostelmate/register"
	"github.com/hostelmate/session-manager/cmd/hostelmate/whoami"
)

// BuildInfo will be set by the build system
var BuildInfo = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "HostelMate Session Manager Version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		slog.InfoContext(cmd.Context(), BuildInfo)

		return nil
	},
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hostelmate",
		Short: "HostelMate Session Manager",
		Long:  "Manages the HostelMate sign-in lifecycle: provider authentication, the backend token exchange, and the persisted session.",
	}

	cmd.AddCommand(
		versionCmd,
		register.Cmd(),
		login.Cmd(),
		loginsso.Cmd(),
		logout.Cmd(),
		whoami.Cmd(),
		refresh.Cmd(),
	)

	return cmd
}

func execute() error {
	ctx, cancelOnSignal := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancelOnSignal()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		slogctx.Error(ctx, "failed to run the command", "error", err)
		_, _ = fmt.Fprintln(os.Stderr, err)

		return err
	}

	return nil
}

func main() {
	if err := execute(); err != nil {
		os.Exit(1)
	}
}
