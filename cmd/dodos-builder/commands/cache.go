package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dodos-os/dodos/pkg/cache"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and repair the artifact cache",
	}

	cmd.AddCommand(newCacheStatsCommand())
	cmd.AddCommand(newCacheVerifyCommand())

	return cmd
}

// cacheStats is the output of cache stats.
type cacheStats struct {
	Root    string `json:"root"`
	Objects int    `json:"objects"`
	Bytes   int64  `json:"bytes"`
	Indexed int    `json:"indexed"`
	Hits    int    `json:"hits"`
}

func newCacheStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "stats",
		Short:   "Summarise the artifact cache",
		Example: `  dodos-builder cache stats --json`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.close(ctx)

			st, err := e.cache.Stats()
			if err != nil {
				return err
			}
			out := cacheStats{Root: e.cache.Root(), Objects: st.Objects, Bytes: st.Bytes}
			if e.store != nil {
				entries, err := e.store.CacheEntries(ctx)
				if err != nil {
					return err
				}
				out.Indexed = len(entries)
				for _, entry := range entries {
					out.Hits += entry.Hits
				}
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(w, out)
			}
			field(w, "root", out.Root)
			field(w, "objects", fmt.Sprintf("%d (%s)", out.Objects, formatBytes(out.Bytes)))
			if e.store != nil {
				field(w, "indexed", fmt.Sprintf("%d", out.Indexed))
				field(w, "hits", fmt.Sprintf("%d", out.Hits))
			}
			return nil
		},
	}

	return cmd
}

func newCacheVerifyCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-hash every cached artifact and drop corrupt ones",
		Long: `Re-hash every object of the artifact cache against the digest it is stored
under. Corrupt objects are removed so the next build downloads them again.
Index entries whose object is gone are forgotten.`,
		Example: `  # Report corrupt objects without removing them
  dodos-builder cache verify --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.close(ctx)

			w := cmd.OutOrStdout()
			var checked, corrupt, forgotten int
			err = e.cache.Walk(func(d cache.Digest, _ int64) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				checked++
				verr := e.cache.Verify(d)
				if verr == nil {
					return nil
				}
				var mismatch *cache.MismatchError
				if !errors.As(verr, &mismatch) {
					return verr
				}
				corrupt++
				fmt.Fprintf(w, "%s %s\n", errorStyle.Render("corrupt"), d)
				if dryRun {
					return nil
				}
				if err := e.cache.Remove(d); err != nil {
					return err
				}
				if e.store != nil {
					return e.store.DeleteCacheEntry(ctx, d.String())
				}
				return nil
			})
			if err != nil {
				return err
			}

			if e.store != nil {
				entries, err := e.store.CacheEntries(ctx)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					d, err := cache.ParseDigest(entry.Digest)
					if err != nil {
						continue
					}
					if _, _, ok := e.cache.Lookup(d); ok {
						continue
					}
					forgotten++
					if dryRun {
						continue
					}
					if err := e.store.DeleteCacheEntry(ctx, entry.Digest); err != nil {
						return err
					}
				}
			}

			if jsonOutput {
				return printJSON(w, map[string]int{"checked": checked, "corrupt": corrupt, "forgotten": forgotten})
			}
			style := successStyle
			if corrupt > 0 {
				style = warningStyle
			}
			fmt.Fprintln(w, style.Render(fmt.Sprintf("%d checked, %d corrupt, %d stale index entries", checked, corrupt, forgotten)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without removing anything")

	return cmd
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
