package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/dodos-os/dodos/pkg/build"
	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/transaction"
)

var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#EF6C00", Dark: "#FFB74D"}
	colorError   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#616161", Dark: "#9E9E9E"}

	titleStyle   = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(colorMuted).Width(12)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
)

// statusStyle colours a status by outcome.
func statusStyle(s engine.BuildStatus) lipgloss.Style {
	switch {
	case s == engine.BuildStatusSuccess:
		return successStyle
	case s.IsSuccess():
		return warningStyle
	default:
		return errorStyle
	}
}

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(label), value)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// reportJSON is the machine readable form of a report.
type reportJSON struct {
	Build        *engine.Build              `json:"build"`
	Status       engine.BuildStatus         `json:"status"`
	Plan         []string                   `json:"plan,omitempty"`
	Downloaded   int                        `json:"downloaded"`
	Cached       int                        `json:"cached"`
	Operations   map[transaction.OpKind]int `json:"operations,omitempty"`
	Configured   []string                   `json:"configured,omitempty"`
	Unconfigured []string                   `json:"unconfigured,omitempty"`
	Warnings     []string                   `json:"warnings,omitempty"`
	Error        string                     `json:"error,omitempty"`
}

func toJSON(r *build.Report, err error) reportJSON {
	out := reportJSON{Build: r.Build, Status: r.Status, Downloaded: r.Downloaded, Cached: r.Cached}
	if r.Plan != nil {
		for _, id := range r.Plan.IDs() {
			out.Plan = append(out.Plan, id.String())
		}
	}
	if r.Transaction != nil {
		out.Operations = r.Transaction.Summary()
	}
	if r.Configuration != nil {
		out.Configured = r.Configuration.Applied
		for _, f := range r.Configuration.Failed {
			out.Unconfigured = append(out.Unconfigured, f.Step)
		}
	}
	if r.Policy != nil {
		for _, v := range r.Policy.Warnings {
			out.Warnings = append(out.Warnings, v.Message)
		}
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// renderReport writes the outcome of a build, resolve or fetch run.
func renderReport(w io.Writer, r *build.Report, err error) error {
	if jsonOutput {
		return printJSON(w, toJSON(r, err))
	}

	fmt.Fprintln(w, titleStyle.Render("dodos-builder"))
	field(w, "build", r.Build.ID)
	field(w, "target", r.Build.Target)
	field(w, "status", statusStyle(r.Status).Render(string(r.Status)))
	if r.Build.CompletedAt != nil {
		field(w, "duration", r.Build.Duration().Round(time.Millisecond).String())
	}

	if r.Plan != nil {
		field(w, "packages", fmt.Sprintf("%d", r.Plan.Len()))
		requested := make(map[string]bool, len(r.Plan.Requested))
		for _, name := range r.Plan.Requested {
			requested[name] = true
		}
		for _, pkg := range r.Plan.Packages {
			line := "  " + pkg.ID.String()
			if requested[pkg.ID.Name] {
				line += mutedStyle.Render(" (requested)")
			}
			fmt.Fprintln(w, line)
		}
	}
	if r.Artifacts != nil {
		field(w, "artifacts", fmt.Sprintf("%d downloaded, %d cached", r.Downloaded, r.Cached))
	}
	if r.Transaction != nil {
		summary := r.Transaction.Summary()
		kinds := make([]string, 0, len(summary))
		for kind, n := range summary {
			kinds = append(kinds, fmt.Sprintf("%s %d", kind, n))
		}
		sort.Strings(kinds)
		field(w, "operations", strings.Join(kinds, ", "))
	}
	if r.Configuration != nil {
		field(w, "configured", strings.Join(r.Configuration.Applied, ", "))
		for _, f := range r.Configuration.Failed {
			fmt.Fprintf(w, "  %s %s: %v\n", warningStyle.Render("!"), f.Step, f.Err)
		}
	}
	if r.Policy != nil {
		for _, v := range r.Policy.Warnings {
			fmt.Fprintf(w, "  %s %s\n", warningStyle.Render("warning"), v.Message)
		}
	}
	if err != nil {
		fmt.Fprintf(w, "%s %v\n", errorStyle.Render("error"), err)
	}
	return nil
}

// finish renders the report and turns a failed status into the error the
// process exits with.
func finish(w io.Writer, r *build.Report, err error) error {
	if rerr := renderReport(w, r, err); rerr != nil {
		return rerr
	}
	if r.Status == engine.BuildStatusSuccess {
		return nil
	}
	return &statusError{status: r.Status, err: err}
}
