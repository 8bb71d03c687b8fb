package commands

import (
	"github.com/spf13/cobra"

	"github.com/dodos-os/dodos/pkg/config"
)

func newSettingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Print the effective builder settings",
		Long: `Print the builder settings after layering the defaults, the settings file
and DODOS_* environment variables. The output is a valid settings file.`,
		Example: `  # Start a settings file from the defaults
  dodos-builder settings > ~/.config/dodos/builder.toml

  # Check an environment override
  DODOS_WORKERS=8 dodos-builder settings`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.LoadSettings(settingsPath)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), s)
			}
			data, err := s.TOML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	return cmd
}
