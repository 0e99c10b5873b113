// Package cmdutils carries the shared plumbing of the CLI commands:
// config loading, logger setup, and the cobra command skeleton.
package cmdutils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	slogctx "github.com/veqryn/slog-context"

	"github.com/hostelmate/session-manager/internal/config"
	"github.com/hostelmate/session-manager/internal/session"
)

// CobraCommand builds a command that loads the configuration, prepares
// logging and metrics, and then hands over to businessFunc.
func CobraCommand(
	use, short, long string,
	businessFunc func(context.Context, *config.Config, []string) error,
) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			ctx, err := Setup(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("preparing the command: %w", err)
			}

			if err := businessFunc(ctx, cfg, args); err != nil {
				return oops.In("main").
					WithContext(ctx).
					Wrapf(err, "Failed to run %s", use)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "directory holding config.yaml")

	return cmd
}

// LoadConfig resolves the configuration from the flag path, the user's
// config directory, and the working directory, in that order.
func LoadConfig(flagPath string) (*config.Config, error) {
	paths := []string{flagPath}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".hostelmate"))
	}
	paths = append(paths, ".")

	return config.Load(paths...)
}

// Setup initialises the default logger and the session meters and tags
// the context with a correlation id.
func Setup(ctx context.Context, cfg *config.Config) (context.Context, error) {
	if err := InitLogger(cfg); err != nil {
		return ctx, oops.In("main").Wrapf(err, "Failed to initialise the logger")
	}

	ctx = slogctx.With(ctx, "correlation_id", uuid.NewString())
	slogctx.Debug(ctx, "Starting the application", slog.Any("config", cfg))

	if err := session.InitMeters(ctx); err != nil {
		return ctx, oops.In("main").Wrapf(err, "Failed to initialise the meters")
	}

	return ctx, nil
}

// InitLogger installs the configured slog handler as the default,
// wrapped so context attributes travel with every record.
func InitLogger(cfg *config.Config) error {
	level, err := parseLevel(cfg.Logger.Level)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Logger.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q", cfg.Logger.Format)
	}

	slog.SetDefault(slog.New(slogctx.NewHandler(handler, nil)))

	return nil
}

// PrintSession writes a human-readable session summary to w.
func PrintSession(w io.Writer, s session.Session) {
	switch s.Status {
	case session.StatusAuthenticated:
		fmt.Fprintf(w, "Signed in as %s (%s)\n", s.Profile.Name, s.Identity.Email)
		fmt.Fprintf(w, "  role:  %s\n", s.Profile.Role)
		if s.Profile.Badge != "" {
			fmt.Fprintf(w, "  badge: %s\n", s.Profile.Badge)
		}
	case session.StatusAnonymous:
		fmt.Fprintln(w, "Not signed in")
	default:
		fmt.Fprintln(w, "Session is still initializing")
	}
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}

	return 0, fmt.Errorf("unknown log level %q", level)
}
