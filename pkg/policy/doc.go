// Package policy gates resolved plans with Open Policy Agent.
//
// Every policy is a Rego module whose package defines a "deny" set. A member
// is either a message string or an object with "message" and optional
// "package" and "severity" keys. Violations of error or critical severity
// reject the plan before anything is downloaded; the rest are warnings.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, rules.Files); err != nil {
//	    return err
//	}
//	input := policy.NewInput(plan, rules)
//	input.Arch = "x86_64"
//	result, err := eng.EvaluatePlan(ctx, input)
//	if err != nil {
//	    return err
//	}
//	return result.Err() // *engine.PolicyError when rejected
//
// # Input document
//
//	{
//	  "plan": {
//	    "requested": ["base"],
//	    "packages": [{"name": "glibc", "version": "2.39-1", "arch": "x86_64",
//	                  "repository": "core", "size": 10240,
//	                  "depends": [...], "provides": [...]}]
//	  },
//	  "rules": {"deny_packages": [...], "require_packages": [...], "max_packages": 0},
//	  "target": "/mnt/root",
//	  "arch": "x86_64",
//	  "build_id": "..."
//	}
//
// # Built-in Policies
//
//   - deny-packages: rules.deny_packages by name or provision
//   - require-packages: rules.require_packages by name or provision
//   - architecture: package arch must be "any" or the target arch
//   - max-packages: rules.max_packages bounds the plan
//   - empty-plan: warns about a plan with no packages
//
// # Custom Policies
//
// Files listed in rules.files are loaded after the built-ins. A .rego file
// becomes a policy named after the file with error severity. A .json file
// holds a Policy document with its own name, severity and rego source.
package policy
