package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dodos-os/dodos/pkg/assembler"
	"github.com/dodos-os/dodos/pkg/osfs"
	"github.com/dodos-os/dodos/pkg/transaction"
)

// treeJSON describes one of the trees an unfinished promotion left.
type treeJSON struct {
	Path     string   `json:"path"`
	Exists   bool     `json:"exists"`
	Packages []string `json:"packages,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// recoverJSON is the output of recover.
type recoverJSON struct {
	Target        string     `json:"target"`
	Pending       bool       `json:"pending"`
	Journal       string     `json:"journal,omitempty"`
	Phase         string     `json:"phase,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	TargetExisted bool       `json:"target_existed,omitempty"`
	JournalError  string     `json:"journal_error,omitempty"`
	Trees         []treeJSON `json:"trees,omitempty"`
	Cleared       bool       `json:"cleared,omitempty"`
}

func newRecoverCommand() *cobra.Command {
	var clearJournal bool

	cmd := &cobra.Command{
		Use:   "recover [config]",
		Short: "Inspect a target whose promotion did not finish",
		Long: `Report the promotion journal a failed or interrupted build left next to
the target root, and what the target and staging trees hold.

Builds refuse to run over a target with a journal. Once the right tree is
in place at the target path, clear the journal with --clear; the next build
discards the staging root.`,
		Example: `  # Show the state left by the last promotion
  dodos-builder recover

  # Inspect a target directly
  dodos-builder recover --target /mnt/root

  # Resume building once the target is settled
  dodos-builder recover --clear`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := targetPath
			if target == "" {
				cfg, err := loadConfig(cmd.Context(), args)
				if err != nil {
					return err
				}
				target = cfg.Target
			}

			fsys := osfs.NewOS()
			pending, err := assembler.Inspect(fsys, target)
			if err != nil {
				return err
			}

			out := describePending(fsys, target, pending)
			if pending != nil && clearJournal {
				if err := assembler.ClearJournal(fsys, target); err != nil {
					return fmt.Errorf("clearing journal: %w", err)
				}
				log.Info().Str("target", target).Msg("Promotion journal cleared")
				out.Cleared = true
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), out)
			}
			renderRecover(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&clearJournal, "clear", false, "remove the promotion journal")

	return cmd
}

func describePending(fsys osfs.FS, target string, p *assembler.Pending) recoverJSON {
	out := recoverJSON{Target: target, Pending: p != nil}
	if p == nil {
		return out
	}

	out.Journal = p.JournalPath
	if p.DecodeErr != nil {
		out.JournalError = p.DecodeErr.Error()
	}
	if j := p.Journal; j != nil {
		out.Phase = j.Phase
		started := time.Unix(j.StartedAt, 0).UTC()
		out.StartedAt = &started
		out.TargetExisted = j.TargetExisted
	}

	for _, t := range []struct {
		path   string
		exists bool
	}{{target, p.TargetExists}, {p.StagingRoot, p.StagingExists}} {
		tree := treeJSON{Path: t.path, Exists: t.exists}
		if t.exists {
			db, err := transaction.ReadInstalled(fsys, t.path)
			if err != nil {
				tree.Error = err.Error()
			} else {
				for _, pkg := range db.Packages {
					tree.Packages = append(tree.Packages, pkg.ID())
				}
			}
		}
		out.Trees = append(out.Trees, tree)
	}
	return out
}

func renderRecover(w io.Writer, r recoverJSON) {
	if !r.Pending {
		fmt.Fprintf(w, "%s %s: last promotion finished\n", successStyle.Render("✓"), r.Target)
		return
	}

	fmt.Fprintln(w, errorStyle.Render("Unfinished promotion of "+r.Target))
	field(w, "journal", r.Journal)
	if r.JournalError != "" {
		field(w, "unreadable", r.JournalError)
	} else {
		field(w, "phase", r.Phase)
		if r.StartedAt != nil {
			field(w, "started", r.StartedAt.Format(time.RFC3339))
		}
		if r.TargetExisted {
			field(w, "promotion", "exchange of staging root and target")
		} else {
			field(w, "promotion", "rename of staging root to target")
		}
	}
	for _, t := range r.Trees {
		switch {
		case !t.Exists:
			field(w, "missing", t.Path)
		case t.Error != "":
			field(w, "tree", fmt.Sprintf("%s (%s)", t.Path, t.Error))
		default:
			field(w, "tree", fmt.Sprintf("%s: %d package(s)", t.Path, len(t.Packages)))
			for _, id := range t.Packages {
				fmt.Fprintf(w, "%s %s\n", labelStyle.Render(""), mutedStyle.Render(id))
			}
		}
	}
	if r.Cleared {
		fmt.Fprintf(w, "%s journal cleared, builds may resume\n", successStyle.Render("✓"))
	} else {
		fmt.Fprintln(w, mutedStyle.Render("Put the intended tree at the target path, then run with --clear."))
	}
}
