package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block the build.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the build.
	SeverityError Severity = "error"

	// SeverityCritical blocks the build.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity reject the plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. The module must
// define a "deny" set in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty" yaml:"-"`
}

// Violation is one deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Package is the package the violation is about, if any.
	Package string `json:"package,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Package != "" {
		return v.Policy + ": " + v.Package + ": " + v.Message
	}
	return v.Policy + ": " + v.Message
}

// Result is the outcome of evaluating every enabled policy against a plan.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Rules are the data-driven settings of the built-in policies.
type Rules struct {
	// DenyPackages rejects plans containing any of these names.
	DenyPackages []string `json:"deny_packages,omitempty" yaml:"deny_packages,omitempty"`

	// RequirePackages rejects plans missing any of these names.
	RequirePackages []string `json:"require_packages,omitempty" yaml:"require_packages,omitempty"`

	// MaxPackages rejects plans larger than this. Zero means unlimited.
	MaxPackages int `json:"max_packages,omitempty" yaml:"max_packages,omitempty" validate:"gte=0"`

	// Files are extra .rego or .json policy files or directories.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`
}

// Input is the document policies see as "input".
type Input struct {
	Plan    PlanInput `json:"plan"`
	Rules   Rules     `json:"rules"`
	Target  string    `json:"target,omitempty"`
	Arch    string    `json:"arch,omitempty"`
	BuildID string    `json:"build_id,omitempty"`
}

// PlanInput is the plan as exposed to policies.
type PlanInput struct {
	Requested []string       `json:"requested"`
	Packages  []PackageInput `json:"packages"`
}

// PackageInput is one planned package.
type PackageInput struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Repository  string   `json:"repository,omitempty"`
	Arch        string   `json:"arch,omitempty"`
	Size        int64    `json:"size"`
	Depends     []string `json:"depends,omitempty"`
	Provides    []string `json:"provides,omitempty"`
	Description string   `json:"description,omitempty"`
}
