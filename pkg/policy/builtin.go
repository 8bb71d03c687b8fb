package policy

// BuiltinPolicies returns the policies every build is checked against.
// They are driven by Input.Rules and stay silent when their rule is unset.
func BuiltinPolicies() []Policy {
	return []Policy{
		denyPackagesPolicy(),
		requirePackagesPolicy(),
		architecturePolicy(),
		maxPackagesPolicy(),
		emptyPlanPolicy(),
	}
}

func denyPackagesPolicy() Policy {
	return Policy{
		Name:        "deny-packages",
		Description: "Rejects plans that would install a denied package, by name or provision",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package dodos.policies.deny_packages

import rego.v1

deny contains violation if {
	some pkg in input.plan.packages
	pkg.name in input.rules.deny_packages
	violation := {
		"message": "package is denied",
		"package": pkg.name,
	}
}

deny contains violation if {
	some pkg in input.plan.packages
	some provision in pkg.provides
	name := split(provision, "=")[0]
	name in input.rules.deny_packages
	violation := {
		"message": sprintf("package provides denied %s", [name]),
		"package": pkg.name,
	}
}
`,
	}
}

func requirePackagesPolicy() Policy {
	return Policy{
		Name:        "require-packages",
		Description: "Rejects plans missing a required package",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package dodos.policies.require_packages

import rego.v1

planned(name) if {
	some pkg in input.plan.packages
	pkg.name == name
}

planned(name) if {
	some pkg in input.plan.packages
	some provision in pkg.provides
	split(provision, "=")[0] == name
}

deny contains violation if {
	some name in input.rules.require_packages
	not planned(name)
	violation := {
		"message": sprintf("required package %s is not in the plan", [name]),
		"package": name,
	}
}
`,
	}
}

func architecturePolicy() Policy {
	return Policy{
		Name:        "architecture",
		Description: "Rejects packages built for another architecture",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package dodos.policies.architecture

import rego.v1

deny contains violation if {
	input.arch
	some pkg in input.plan.packages
	pkg.arch
	pkg.arch != "any"
	pkg.arch != input.arch
	violation := {
		"message": sprintf("built for %s, target is %s", [pkg.arch, input.arch]),
		"package": pkg.name,
	}
}
`,
	}
}

func maxPackagesPolicy() Policy {
	return Policy{
		Name:        "max-packages",
		Description: "Bounds the size of a plan",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package dodos.policies.max_packages

import rego.v1

deny contains violation if {
	input.rules.max_packages > 0
	count(input.plan.packages) > input.rules.max_packages
	violation := {
		"message": sprintf("plan has %v packages, the limit is %v", [count(input.plan.packages), input.rules.max_packages]),
	}
}
`,
	}
}

func emptyPlanPolicy() Policy {
	return Policy{
		Name:        "empty-plan",
		Description: "Warns when a plan installs nothing",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package dodos.policies.empty_plan

import rego.v1

deny contains "the plan installs no packages" if {
	count(input.plan.packages) == 0
}
`,
	}
}
