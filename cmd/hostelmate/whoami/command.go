package whoami

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/hostelmate/session-manager/internal/business"
	"github.com/hostelmate/session-manager/internal/cmdutils"
	"github.com/hostelmate/session-manager/internal/config"
)

func Cmd() *cobra.Command {
	cmd := cmdutils.CobraCommand(
		"whoami",
		"Show the current session",
		"Resumes any persisted provider session and prints who is signed in.",
		func(ctx context.Context, cfg *config.Config, _ []string) error {
			s, err := business.Whoami(ctx, cfg)
			if err != nil {
				return err
			}

			cmdutils.PrintSession(os.Stdout, s)

			return nil
		},
	)

	cmd.Args = cobra.NoArgs

	return cmd
}
