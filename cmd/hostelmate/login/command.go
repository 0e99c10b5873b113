package login

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
		"login <email> <password>",
		"Sign in with email and password",
		"Authenticates against the identity provider and exchanges the proof for a backend session.",
		func(ctx context.Context, cfg *config.Config, args []string) error {
			s, err := business.Login(ctx, cfg, args[0], args[1])
			if err != nil {
				return err
			}

			cmdutils.PrintSession(os.Stdout, s)

			return nil
		},
	)

	cmd.Args = cobra.ExactArgs(2)

	return cmd
}
