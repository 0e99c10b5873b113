package cmdutils

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostelmate/session-manager/internal/config"
)

func TestCobraCommand(t *testing.T) {
	t.Run("creates command with correct properties", func(t *testing.T) {
		cmd := CobraCommand("test-cmd", "short desc", "long description",
			func(context.Context, *config.Config, []string) error { return nil })

		assert.Equal(t, "test-cmd", cmd.Use)
		assert.Equal(t, "short desc", cmd.Short)
		assert.Equal(t, "long description", cmd.Long)
		assert.NotNil(t, cmd.RunE)

		flag := cmd.Flags().Lookup("config")
		require.NotNil(t, flag)
	})

	t.Run("RunE surfaces the business error", func(t *testing.T) {
		businessErr := errors.New("business failed")
		cmd := CobraCommand("test", "short", "long",
			func(context.Context, *config.Config, []string) error { return businessErr })
		cmd.SetArgs([]string{})
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true

		err := cmd.Execute()

		require.Error(t, err)
		assert.ErrorIs(t, err, businessErr)
	})

	t.Run("RunE passes positional arguments through", func(t *testing.T) {
		var got []string
		cmd := CobraCommand("test", "short", "long",
			func(_ context.Context, _ *config.Config, args []string) error {
				got = args
				return nil
			})
		cmd.SetArgs([]string{"ana@example.com", "s3cret"})

		require.NoError(t, cmd.Execute())
		assert.Equal(t, []string{"ana@example.com", "s3cret"}, got)
	})
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"json info", "info", "json", false},
		{"text debug", "debug", "text", false},
		{"mixed case", "WARN", "JSON", false},
		{"unknown level", "loud", "json", true},
		{"unknown format", "info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Logger.Level = tt.level
			cfg.Logger.Format = tt.format

			err := InitLogger(cfg)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
