package logout

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hostelmate/session-manager/internal/business"
	"github.com/hostelmate/session-manager/internal/cmdutils"
	"github.com/hostelmate/session-manager/internal/config"
)

func Cmd() *cobra.Command {
	cmd := cmdutils.CobraCommand(
		"logout",
		"Sign out",
		"Clears the local session and access token and revokes the provider session.",
		func(ctx context.Context, cfg *config.Config, _ []string) error {
			if err := business.Logout(ctx, cfg); err != nil {
				return err
			}

			fmt.Fprintln(os.Stdout, "Signed out")

			return nil
		},
	)

	cmd.Args = cobra.NoArgs

	return cmd
}
