package commands

import (
	"github.com/spf13/cobra"
)

func newFetchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch [config]",
		Short: "Download the artifacts of a build into the cache",
		Long: `Resolve the configuration and download every planned artifact into the
artifact cache without touching the target. A later build of the same
configuration runs from the cache.`,
		Example: `  # Warm the cache before going offline
  dodos-builder fetch build.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.close(ctx)

			cfg, err := loadConfig(ctx, args)
			if err != nil {
				return err
			}
			b, repo, err := e.builder(cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			report, err := b.Fetch(ctx, cfg)
			return finish(cmd.OutOrStdout(), report, err)
		},
	}

	return cmd
}
