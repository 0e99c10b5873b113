package refresh

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
		"refresh",
		"Re-fetch the current profile",
		"Fetches the profile for the signed-in user again, picking up role or badge changes.",
		func(ctx context.Context, cfg *config.Config, _ []string) error {
			s, err := business.Refresh(ctx, cfg)
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
