// Package protocol defines the JSON-lines protocol spoken between a tree
// client and a remote authority. Every line is one Message; the server
// opens with READY, each REQ is answered by exactly one RESULT or ERROR,
// optionally preceded by EVENT progress reports, and either side may send
// EXIT before closing.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version announced in READY.
const Version = "1.0.0"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady is the server hello.
	MessageTypeReady MessageType = "READY"
	// MessageTypeRequest carries one primitive from the client.
	MessageTypeRequest MessageType = "REQ"
	// MessageTypeResult answers a request successfully.
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeEvent reports progress of a running command.
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeError answers a request with a failure.
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit announces that the sender is going away.
	MessageTypeExit MessageType = "EXIT"
)

// Op names one of the six tree primitives.
type Op string

const (
	OpRead     Op = "read"
	OpWrite    Op = "write"
	OpChildren Op = "children"
	OpDelete   Op = "delete"
	OpRename   Op = "rename"
	OpExecute  Op = "execute"
)

// Error codes carried by ERROR messages.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeDeleted          = "DELETED"
	CodeReadOnly         = "READ_ONLY"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeValidation       = "VALIDATION_ERROR"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeSessionClosed    = "SESSION_CLOSED"
	CodeNotImplemented   = "NOT_IMPLEMENTED"
	CodeInternal         = "INTERNAL_ERROR"
)

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent by the server once it accepts requests.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Root     string            `json:"root"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RequestMessage carries one primitive. Path is the rendered tree path.
type RequestMessage struct {
	ID      string                 `json:"id"`
	Op      Op                     `json:"op"`
	Path    string                 `json:"path"`
	Value   interface{}            `json:"value,omitempty"`
	NewName string                 `json:"new_name,omitempty"`
	Args    map[string]interface{} `json:"args,omitempty"`
}

// ResultMessage answers a request. Names is set for children requests,
// Value for read and execute.
type ResultMessage struct {
	RequestID string      `json:"request_id"`
	Value     interface{} `json:"value,omitempty"`
	Names     []string    `json:"names,omitempty"`
	Duration  float64     `json:"duration"` // seconds
}

// EventMessage reports progress while a command runs.
type EventMessage struct {
	RequestID string            `json:"request_id"`
	Level     string            `json:"level"` // info, warn, debug
	Message   string            `json:"message"`
	Progress  *ProgressInfo     `json:"progress,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ProgressInfo contains progress tracking information.
type ProgressInfo struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Unit    string `json:"unit"`
}

// Fraction returns Current/Total, or 0 without a total.
func (p *ProgressInfo) Fraction() float64 {
	if p == nil || p.Total <= 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total)
}

// ErrorMessage answers a request with a failure. RequestID is empty for
// failures not tied to a request. Class, when set, is the tree error class
// and takes precedence over Code when the client classifies the failure.
type ErrorMessage struct {
	RequestID string            `json:"request_id,omitempty"`
	Class     string            `json:"class,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Path      string            `json:"path,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// ExitMessage is sent before the sender closes its end.
type ExitMessage struct {
	Reason   string `json:"reason"`
	Requests int    `json:"requests"`
}

// NewRequest builds a request with a fresh id.
func NewRequest(op Op, p string) *RequestMessage {
	return &RequestMessage{
		ID:   uuid.New().String(),
		Op:   op,
		Path: p,
	}
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeRequest, MessageTypeResult,
		MessageTypeEvent, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the op is one of the six primitives.
func (op Op) Validate() error {
	switch op {
	case OpRead, OpWrite, OpChildren, OpDelete, OpRename, OpExecute:
		return nil
	default:
		return fmt.Errorf("invalid op: %s", op)
	}
}

// Validate checks if the request is well formed.
func (r *RequestMessage) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request ID is required")
	}
	if err := r.Op.Validate(); err != nil {
		return err
	}
	if r.Path == "" {
		return fmt.Errorf("path is required")
	}
	if r.Op == OpRename && r.NewName == "" {
		return fmt.Errorf("new name is required for rename")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.RequestID == "" {
		return fmt.Errorf("request ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}
