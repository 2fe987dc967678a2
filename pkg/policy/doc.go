// Package policy guards mutating calls with Rego policies.
//
// Every enabled policy is queried for its deny set with the call as input:
//
//	{
//	  "op": "write",
//	  "path": "/contour:pressure/iso_value",
//	  "segments": [{"name": "contour", "instance": "pressure"}, {"name": "iso_value"}],
//	  "value": 12.5,
//	  "new_name": "",
//	  "args": {},
//	  "session_id": "…",
//	  "protected": ["/mesh"]
//	}
//
// A deny entry is either a message string or an object with "message" and
// optional "severity". Entries of severity error or critical block the
// call; warnings are logged and let through.
//
// An Engine is a tree.Guard:
//
//	eng, err := policy.NewEngine(logger, policy.WithProtectedPaths("/mesh"))
//	if err != nil {
//		return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//		return err
//	}
//	sess := tree.NewSession(authority, tree.WithGuard(eng))
//
// A policy file is plain Rego:
//
//	package simtree.solver
//
//	deny contains msg if {
//		input.op == "write"
//		input.segments[0].name == "solver"
//		input.value > 5000
//		msg := "iteration budget exceeded"
//	}
package policy
