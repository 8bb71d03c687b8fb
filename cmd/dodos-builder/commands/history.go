package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past builds",
		Long: `Inspect the build history kept in the state database: every build with its
terminal status, the plan it resolved and the timeline of its events.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List recent builds, newest first",
		Example: `  dodos-builder history list --limit 5`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.close(ctx)
			if err := e.requireStore(); err != nil {
				return err
			}

			builds, err := e.store.ListBuilds(ctx, limit, 0)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, builds)
			}
			if len(builds) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("no builds recorded"))
				return nil
			}
			for _, b := range builds {
				status := b.Status
				if status == "" {
					status = "running"
				}
				fmt.Fprintf(out, "%s  %s  %-24s  %3d pkgs  %s\n",
					b.ID, b.StartedAt.Local().Format(time.DateTime),
					statusStyle(status).Render(string(status)), b.Packages, b.Target)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of builds (0 for all)")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var events int

	cmd := &cobra.Command{
		Use:     "show <build-id>",
		Short:   "Show a build with its plan and events",
		Example: `  dodos-builder history show 0b7c3c9e-4d1f-4a57-9d5e-0c6a1f2e9b11`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.close(ctx)
			if err := e.requireStore(); err != nil {
				return err
			}

			b, err := e.store.GetBuild(ctx, args[0])
			if err != nil {
				return fmt.Errorf("build %s: %w", args[0], err)
			}
			plan, err := e.store.PlanEntries(ctx, b.ID)
			if err != nil {
				return err
			}
			timeline, err := e.store.Events(ctx, b.ID, events)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, struct {
					Build  *engine.Build       `json:"build"`
					Plan   []*stores.PlanEntry `json:"plan"`
					Events []*engine.Event     `json:"events"`
				}{b, plan, timeline})
			}

			fmt.Fprintln(out, titleStyle.Render("build "+b.ID))
			field(out, "config", b.ConfigPath)
			field(out, "target", b.Target)
			field(out, "status", statusStyle(b.Status).Render(string(b.Status)))
			field(out, "started", b.StartedAt.Local().Format(time.DateTime))
			if b.CompletedAt != nil {
				field(out, "duration", b.Duration().Round(time.Millisecond).String())
			}
			field(out, "downloaded", fmt.Sprintf("%d of %d", b.Downloaded, b.Packages))
			if b.Error != "" {
				field(out, "error", errorStyle.Render(b.Error))
			}

			if len(plan) > 0 {
				fmt.Fprintln(out, titleStyle.Render("plan"))
				for _, p := range plan {
					line := fmt.Sprintf("  %3d %s-%s", p.Position, p.Name, p.Version)
					if p.Requested {
						line += mutedStyle.Render(" (requested)")
					}
					fmt.Fprintln(out, line)
				}
			}
			if len(timeline) > 0 {
				fmt.Fprintln(out, titleStyle.Render("events"))
				for _, ev := range timeline {
					fmt.Fprintf(out, "  %s %-18s %-10s %s\n",
						mutedStyle.Render(ev.Timestamp.Local().Format("15:04:05.000")),
						ev.Type, ev.Stage, ev.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&events, "events", 0, "maximum number of events (0 for all)")

	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete all but the most recent builds",
		Example: `  dodos-builder history prune --keep 10`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.close(ctx)
			if err := e.requireStore(); err != nil {
				return err
			}

			n, err := e.store.PruneBuilds(ctx, keep)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]int64{"deleted": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d build(s)\n", n)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 20, "number of builds to keep")

	return cmd
}
