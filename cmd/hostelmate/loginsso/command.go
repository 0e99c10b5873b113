package loginsso

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
		"login-sso",
		"Sign in through the provider's hosted page",
		"Opens a loopback callback listener and prints the provider's sign-in URL. Cancel with Ctrl-C.",
		func(ctx context.Context, cfg *config.Config, _ []string) error {
			s, err := business.LoginSSO(ctx, cfg)
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
