package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dodos-os/dodos/pkg/resolver"
)

func newResolveCommand() *cobra.Command {
	var dotFile string

	cmd := &cobra.Command{
		Use:   "resolve [config]",
		Short: "Print the installation plan",
		Long: `Resolve the requested packages into an installation plan and check it
against the policies. Nothing is downloaded and the target is not touched.

The plan lists packages in installation order: every package comes after
the packages it depends on.`,
		Example: `  # Print the plan
  dodos-builder resolve build.cue

  # Write the dependency graph in Graphviz format
  dodos-builder resolve build.cue --dot plan.dot

  # Print the dependency graph to stdout
  dodos-builder resolve --dot -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEnv(ctx, false)
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

			report, err := b.Resolve(ctx, cfg)
			if err == nil && dotFile != "" {
				dot := resolver.DOT(report.Plan)
				if dotFile == "-" {
					_, werr := fmt.Fprint(cmd.OutOrStdout(), dot)
					return werr
				}
				if werr := os.WriteFile(dotFile, []byte(dot), 0o644); werr != nil {
					return fmt.Errorf("failed to write %s: %w", dotFile, werr)
				}
			}
			return finish(cmd.OutOrStdout(), report, err)
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph in DOT format (- for stdout)")

	return cmd
}
