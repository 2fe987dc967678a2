package journal

import (
	"time"
)

// Status tells whether a recorded call succeeded.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Entry is one recorded call.
type Entry struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Op         string        `json:"op"`
	Path       string        `json:"path"`
	Value      *string       `json:"value,omitempty"` // JSON
	NewName    *string       `json:"new_name,omitempty"`
	Args       *string       `json:"args,omitempty"` // JSON object
	Status     Status        `json:"status"`
	ErrorClass *string       `json:"error_class,omitempty"`
	Error      *string       `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	SessionID string
	// PathPrefix matches the path itself and everything below it.
	PathPrefix string
	Op         string
	Since      time.Time
	// Limit caps the result; zero means DefaultLimit.
	Limit int
}

// DefaultLimit is the List limit when Filter.Limit is zero.
const DefaultLimit = 100
