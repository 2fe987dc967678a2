package tree

import (
	"errors"
	"fmt"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/schema"
)

// ErrorClass tells callers what kind of failure occurred and so what they
// can do about it.
type ErrorClass string

const (
	// ClassValidation: a value violates a declared type, range or allowed
	// values. Raised locally, before any remote call. Retry with a corrected
	// value.
	ClassValidation ErrorClass = "validation"

	// ClassReadOnly: the target does not accept writes, either by
	// declaration or because the authority denied permission.
	ClassReadOnly ErrorClass = "read_only"

	// ClassNotFound: the path does not exist (any more). Typically an
	// ancestor was replaced; re-resolve from the root instead of retrying.
	ClassNotFound ErrorClass = "not_found"

	// ClassStaleSession: the owning session has ended.
	ClassStaleSession ErrorClass = "stale_session"

	// ClassRemote: any other failure reported by the authority.
	ClassRemote ErrorClass = "remote"

	// ClassSchema: the schema cannot be built into a tree.
	ClassSchema ErrorClass = "schema"
)

// Error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeReadOnly         = "READ_ONLY"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeDeleted          = "DELETED"
	ErrCodeUnavailable      = "UNAVAILABLE"
	ErrCodeSessionClosed    = "SESSION_CLOSED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeInvalidSchema    = "INVALID_SCHEMA"
	ErrCodeRuleFailed       = "RULE_FAILED"
)

// Error is a classified error with the path and operation it concerns.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code is an optional code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Path is the node the error concerns, if any.
	Path string `json:"path,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Path != "" && e.Operation != "":
		msg += fmt.Sprintf(" (path=%s, operation=%s)", e.Path, e.Operation)
	case e.Path != "":
		msg += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same class. A target without a code
// matches any code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// Sentinels for errors.Is.
var (
	ErrValidation   = &Error{Class: ClassValidation}
	ErrReadOnly     = &Error{Class: ClassReadOnly}
	ErrNotFound     = &Error{Class: ClassNotFound}
	ErrStaleSession = &Error{Class: ClassStaleSession}
	ErrRemote       = &Error{Class: ClassRemote}
	ErrSchema       = &Error{Class: ClassSchema}
)

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ClassValidation, Code: ErrCodeValidation, Message: message, Err: err}
}

// NewReadOnlyError creates a read-only error.
func NewReadOnlyError(message string, err error) *Error {
	return &Error{Class: ClassReadOnly, Code: ErrCodeReadOnly, Message: message, Err: err}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, err error) *Error {
	return &Error{Class: ClassNotFound, Code: ErrCodeNotFound, Message: message, Err: err}
}

// NewStaleSessionError creates a stale-session error.
func NewStaleSessionError(message string, err error) *Error {
	return &Error{Class: ClassStaleSession, Code: ErrCodeSessionClosed, Message: message, Err: err}
}

// NewRemoteError creates an error for an unclassified remote failure.
func NewRemoteError(message string, err error) *Error {
	return &Error{Class: ClassRemote, Code: ErrCodeInternal, Message: message, Err: err}
}

// NewSchemaError creates a schema error.
func NewSchemaError(message string, err error) *Error {
	return &Error{Class: ClassSchema, Code: ErrCodeInvalidSchema, Message: message, Err: err}
}

// WithPath adds path context to an error.
func (e *Error) WithPath(p path.Path) *Error {
	e.Path = p.String()
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode sets the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// constraintError turns a schema constraint violation into a validation
// error, keeping its code as a detail.
func constraintError(message string, err error) *Error {
	e := NewValidationError(message, err)
	var ce *schema.ConstraintError
	if errors.As(err, &ce) {
		e.WithDetail("constraint", ce.Code)
	}
	return e
}

// constraintCode returns the constraint code carried by err, if any.
func constraintCode(err error) string {
	var ce *schema.ConstraintError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func classOf(err error) (ErrorClass, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	c, _ := classOf(err)
	return c == ClassValidation
}

// IsReadOnly returns true if the error is classified as read-only.
func IsReadOnly(err error) bool {
	c, _ := classOf(err)
	return c == ClassReadOnly
}

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool {
	c, _ := classOf(err)
	return c == ClassNotFound
}

// IsStaleSession returns true if the error is classified as a stale session.
func IsStaleSession(err error) bool {
	c, _ := classOf(err)
	return c == ClassStaleSession
}

// IsRemote returns true if the error is an unclassified remote failure.
func IsRemote(err error) bool {
	c, _ := classOf(err)
	return c == ClassRemote
}

// IsSchema returns true if the error is classified as a schema error.
func IsSchema(err error) bool {
	c, _ := classOf(err)
	return c == ClassSchema
}

// ClassName returns the class of err for labelling, or "unknown".
func ClassName(err error) string {
	if c, ok := classOf(err); ok {
		return string(c)
	}
	return "unknown"
}
