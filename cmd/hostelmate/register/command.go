package register

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/hostelmate/session-manager/internal/business"
	"github.com/hostelmate/session-manager/internal/cmdutils"
	"github.com/hostelmate/session-manager/internal/config"
)

func Cmd() *cobra.Command {
	var displayName, photoURL string

	cmd := cmdutils.CobraCommand(
		"register <email> <password>",
		"Create a new account",
		"Creates the account with the identity provider, registers the user with the backend, and signs in.",
		func(ctx context.Context, cfg *config.Config, args []string) error {
			s, err := business.Register(ctx, cfg, args[0], args[1], displayName, photoURL)
			if err != nil {
				return err
			}

			cmdutils.PrintSession(os.Stdout, s)

			return nil
		},
	)

	cmd.Args = cobra.ExactArgs(2)
	cmd.Flags().StringVar(&displayName, "name", "", "display name for the new account")
	cmd.Flags().StringVar(&photoURL, "photo-url", "", "profile photo URL")

	return cmd
}
