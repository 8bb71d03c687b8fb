package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dodos-os/dodos/pkg/bootloader"
	"github.com/dodos-os/dodos/pkg/policy"
	"github.com/dodos-os/dodos/pkg/source"
	"github.com/dodos-os/dodos/pkg/sysconfig"
	"github.com/dodos-os/dodos/pkg/version"
)

// BuildConfig is a declarative description of the system to build.
type BuildConfig struct {
	// Repository selects where packages come from.
	Repository source.Config `json:"repository"`

	// Target is the root directory to populate.
	Target string `json:"target,omitempty" validate:"required"`

	// Packages maps requested names to version ranges. An empty range
	// accepts any version.
	Packages map[string]string `json:"packages" validate:"required,min=1"`

	// Constraints restrict the versions of any package in the plan,
	// requested or not.
	Constraints map[string]string `json:"constraints,omitempty"`

	// System is written into the target after the packages are committed.
	System *sysconfig.Settings `json:"system,omitempty"`

	// Bootloader makes the target bootable.
	Bootloader bootloader.Config `json:"bootloader,omitempty"`

	// Policies gate the resolved plan.
	Policies policy.Rules `json:"policies,omitempty"`

	// Prune removes installed packages that are no longer planned. On
	// when unset.
	Prune *bool `json:"prune,omitempty"`

	// SourceFiles are the files the configuration was read from.
	SourceFiles []string `json:"-"`
}

// Requested returns the requested packages as constraints, sorted by name.
func (c *BuildConfig) Requested() ([]version.Constraint, error) {
	names := make([]string, 0, len(c.Packages))
	for name := range c.Packages {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]version.Constraint, 0, len(names))
	for _, name := range names {
		r, err := version.ParseRange(c.Packages[name])
		if err != nil {
			return nil, fmt.Errorf("packages.%s: %w", name, err)
		}
		out = append(out, version.Constraint{Name: name, Range: r})
	}
	return out, nil
}

// Ranges returns the parsed global constraints.
func (c *BuildConfig) Ranges() (map[string]version.Range, error) {
	out := make(map[string]version.Range, len(c.Constraints))
	for name, s := range c.Constraints {
		r, err := version.ParseRange(s)
		if err != nil {
			return nil, fmt.Errorf("constraints.%s: %w", name, err)
		}
		out[name] = r
	}
	return out, nil
}

// PruneEnabled reports whether unplanned packages are removed.
func (c *BuildConfig) PruneEnabled() bool {
	return c.Prune == nil || *c.Prune
}

// Defaults fills unset optional fields.
func (c *BuildConfig) Defaults() {
	if c.Repository.Arch == "" {
		c.Repository.Arch = "x86_64"
	}
	c.Bootloader.Defaults()
}

// ValidationError describes one problem in a build configuration.
type ValidationError struct {
	// File is the source file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the configuration path (e.g., "system.users[0].name").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path + ": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a configuration does not validate.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = e.String()
	}
	if len(lines) == 1 {
		return "invalid build configuration: " + lines[0]
	}
	return fmt.Sprintf("invalid build configuration (%d errors):\n  %s", len(lines), strings.Join(lines, "\n  "))
}
