package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/version"
)

func pkg(t *testing.T, name, ver, arch string, provides ...string) *engine.Package {
	t.Helper()
	id, err := engine.NewPackageID(name, ver)
	require.NoError(t, err)
	p := &engine.Package{ID: id, Arch: arch, Repository: "core", Artifact: engine.ArtifactRef{Size: 100}}
	for _, s := range provides {
		prov, err := version.ParseProvision(s)
		require.NoError(t, err)
		p.Provides = append(p.Provides, prov)
	}
	return p
}

func testPlan(t *testing.T) *engine.Plan {
	return &engine.Plan{
		Requested: []string{"base"},
		Packages: []*engine.Package{
			pkg(t, "glibc", "2.39-1", "x86_64"),
			pkg(t, "inetutils", "2.5-1", "x86_64", "telnet=2.5"),
			pkg(t, "base", "3-2", "any"),
		},
	}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	require.NoError(t, err)
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"architecture", "deny-packages", "empty-plan", "max-packages", "require-packages"}, names)
}

func TestEvaluatePlan_BuiltinRules(t *testing.T) {
	eng := newEngine(t)

	tests := []struct {
		name          string
		rules         Rules
		arch          string
		expectAllowed bool
		expectPolicy  []string
		expectPackage []string
	}{
		{
			name:          "no rules",
			expectAllowed: true,
		},
		{
			name:          "denied by name",
			rules:         Rules{DenyPackages: []string{"glibc"}},
			expectAllowed: false,
			expectPolicy:  []string{"deny-packages"},
			expectPackage: []string{"glibc"},
		},
		{
			name:          "denied by provision",
			rules:         Rules{DenyPackages: []string{"telnet"}},
			expectAllowed: false,
			expectPolicy:  []string{"deny-packages"},
			expectPackage: []string{"inetutils"},
		},
		{
			name:          "required and present",
			rules:         Rules{RequirePackages: []string{"base", "telnet"}},
			expectAllowed: true,
		},
		{
			name:          "required and missing",
			rules:         Rules{RequirePackages: []string{"base", "linux"}},
			expectAllowed: false,
			expectPolicy:  []string{"require-packages"},
			expectPackage: []string{"linux"},
		},
		{
			name:          "matching architecture",
			arch:          "x86_64",
			expectAllowed: true,
		},
		{
			name:          "foreign architecture",
			arch:          "aarch64",
			expectAllowed: false,
			expectPolicy:  []string{"architecture", "architecture"},
			expectPackage: []string{"glibc", "inetutils"},
		},
		{
			name:          "within package limit",
			rules:         Rules{MaxPackages: 3},
			expectAllowed: true,
		},
		{
			name:          "over package limit",
			rules:         Rules{MaxPackages: 2},
			expectAllowed: false,
			expectPolicy:  []string{"max-packages"},
			expectPackage: []string{""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := NewInput(testPlan(t), tt.rules)
			input.Arch = tt.arch

			result, err := eng.EvaluatePlan(context.Background(), input)
			require.NoError(t, err)
			assert.Equal(t, tt.expectAllowed, result.Allowed)
			assert.Empty(t, result.Warnings)

			var policies, packages []string
			for _, v := range result.Violations {
				policies = append(policies, v.Policy)
				packages = append(packages, v.Package)
				assert.Equal(t, SeverityError, v.Severity)
			}
			assert.Equal(t, tt.expectPolicy, policies)
			assert.Equal(t, tt.expectPackage, packages)

			if tt.expectAllowed {
				assert.NoError(t, result.Err())
			} else {
				var pe *engine.PolicyError
				require.True(t, errors.As(result.Err(), &pe))
				assert.Len(t, pe.Violations, len(result.Violations))
			}
		})
	}
}

func TestEvaluatePlan_EmptyPlanWarns(t *testing.T) {
	eng := newEngine(t)
	result, err := eng.EvaluatePlan(context.Background(), NewInput(&engine.Plan{}, Rules{}))
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "empty-plan", result.Warnings[0].Policy)
	assert.NoError(t, result.Err())
}

func TestSetEnabled(t *testing.T) {
	eng := newEngine(t)
	require.NoError(t, eng.SetEnabled("deny-packages", false))

	result, err := eng.EvaluatePlan(context.Background(), NewInput(testPlan(t), Rules{DenyPackages: []string{"glibc"}}))
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.NotContains(t, result.EvaluatedPolicies, "deny-packages")

	assert.Error(t, eng.SetEnabled("nope", true))
}

func TestNewInput(t *testing.T) {
	in := NewInput(testPlan(t), Rules{})
	require.Len(t, in.Plan.Packages, 3)
	assert.Equal(t, "inetutils", in.Plan.Packages[1].Name)
	assert.Equal(t, "2.5-1", in.Plan.Packages[1].Version)
	assert.Equal(t, []string{"telnet=2.5"}, in.Plan.Packages[1].Provides)
	assert.Equal(t, int64(100), in.Plan.Packages[1].Size)
	assert.Equal(t, []string{"base"}, in.Plan.Requested)
}
