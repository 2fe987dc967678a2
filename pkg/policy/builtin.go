package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedPathsPolicy(),
		memberNamingPolicy(),
	}
}

// protectedPathsPolicy denies every mutating call at or below a protected
// path.
func protectedPathsPolicy() Policy {
	return Policy{
		Name:        "protected-paths",
		Description: "Denies changes at or below protected paths",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package simtree.builtin.protected

deny contains msg if {
	some prefix in input.protected
	input.path == prefix
	msg := sprintf("%s is protected", [input.path])
}

deny contains msg if {
	some prefix in input.protected
	startswith(input.path, concat("", [trim_suffix(prefix, "/"), "/"]))
	msg := sprintf("%s is below protected path %s", [input.path, prefix])
}
`,
	}
}

// memberNamingPolicy keeps member names to letters, digits, dot, dash and
// underscore.
func memberNamingPolicy() Policy {
	return Policy{
		Name:        "member-naming",
		Description: "Member names may only contain letters, digits, '.', '-' and '_'",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package simtree.builtin.naming

deny contains msg if {
	input.op == "rename"
	not regex.match("^[A-Za-z0-9._-]+$", input.new_name)
	msg := sprintf("invalid member name %q", [input.new_name])
}

deny contains msg if {
	input.op == "write"
	some seg in input.segments
	seg.instance != ""
	not regex.match("^[A-Za-z0-9._-]+$", seg.instance)
	msg := sprintf("invalid member name %q", [seg.instance])
}
`,
	}
}
