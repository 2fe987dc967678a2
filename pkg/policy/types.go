package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the call.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the call.
	SeverityError Severity = "error"

	// SeverityCritical blocks the call.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether violations of this severity deny the call.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to deny entries that carry none of their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one deny entry.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Path is the path of the denied call.
	Path string `json:"path"`
}

// Input is what a policy sees as input.
type Input struct {
	Op        string                 `json:"op"`
	Path      string                 `json:"path"`
	Segments  []InputSegment         `json:"segments"`
	Value     interface{}            `json:"value,omitempty"`
	NewName   string                 `json:"new_name,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Protected []string               `json:"protected"`
}

// InputSegment is one path segment of Input.
type InputSegment struct {
	Name     string `json:"name"`
	Instance string `json:"instance,omitempty"`
}

// DeniedError is returned by Authorize when at least one blocking
// violation was found.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	if len(e.Violations) == 1 {
		v := e.Violations[0]
		return v.Policy + ": " + v.Message
	}
	msg := ""
	for i, v := range e.Violations {
		if i > 0 {
			msg += "; "
		}
		msg += v.Policy + ": " + v.Message
	}
	return msg
}
