package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dodos-os/dodos/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Validate a build configuration",
		Long: `Validate a build configuration without contacting any repository.

Validation checks:
  - CUE, YAML or JSON syntax
  - The configuration schema
  - Version ranges of packages and constraints`,
		Example: `  # Validate build.cue in the current directory
  dodos-builder validate

  # Validate every CUE file of a directory
  dodos-builder validate configs/`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(args)
			log.Debug().Str("path", path).Msg("Validating configuration")

			cfg, err := loadConfig(cmd.Context(), args)
			out := cmd.OutOrStdout()

			var verrs config.ValidationErrors
			if errors.As(err, &verrs) {
				if jsonOutput {
					if perr := printJSON(out, map[string]interface{}{"valid": false, "errors": verrs}); perr != nil {
						return perr
					}
				} else {
					for _, v := range verrs {
						fmt.Fprintf(out, "%s %s\n", errorStyle.Render("✗"), v.String())
					}
				}
				return fmt.Errorf("%s: %d validation error(s)", path, len(verrs))
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out, map[string]interface{}{
					"valid":    true,
					"files":    cfg.SourceFiles,
					"target":   cfg.Target,
					"packages": len(cfg.Packages),
				})
			}
			fmt.Fprintf(out, "%s %s: %d package(s) for %s\n",
				successStyle.Render("✓"), path, len(cfg.Packages), cfg.Target)
			return nil
		},
	}

	return cmd
}
