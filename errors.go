package shelterbase

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for the failure kinds callers can observe
var (
	// Caller errors, detected before any store call
	ErrValidation      = errors.New("record failed schema validation")
	ErrForbiddenField  = errors.New("update touches a field outside the mutable allow-list")
	ErrUnsafeOperation = errors.New("unsafe operation rejected")
	ErrQuery           = errors.New("invalid or failed query")

	// Store errors
	ErrConnection = errors.New("store connection unavailable")
	ErrTimeout    = errors.New("store operation timed out")
	ErrWrite      = errors.New("store rejected write")

	// Adapter-level conditions
	ErrNotFound           = errors.New("object not found")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrBackendUnavailable = errors.New("backend unavailable")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds structured context to an error kind. Cause keeps the
// underlying driver error reachable through errors.Is/As.
type ErrorWithContext struct {
	Err     error
	Cause   error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	msg := e.Err.Error()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

func (e *ErrorWithContext) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// Wrap classifies cause as kind while keeping cause in the chain.
func Wrap(kind, cause error, context map[string]interface{}) error {
	if cause == nil {
		return WithContext(kind, context)
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return &ErrorWithContext{
		Err:     kind,
		Cause:   cause,
		Context: context,
	}
}

// Violation is a single failed schema rule.
type Violation struct {
	Field   string
	Rule    string
	Message string
}

// SchemaError lists every rule a document violated.
type SchemaError struct {
	Violations []Violation
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Message))
	}
	return fmt.Sprintf("%v: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *SchemaError) Unwrap() error { return ErrValidation }

// Fields returns the distinct offending field names, sorted.
func (e *SchemaError) Fields() []string {
	seen := make(map[string]struct{}, len(e.Violations))
	out := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if _, ok := seen[v.Field]; ok {
			continue
		}
		seen[v.Field] = struct{}{}
		out = append(out, v.Field)
	}
	sort.Strings(out)
	return out
}

// HasField reports whether field is among the violations.
func (e *SchemaError) HasField(field string) bool {
	for _, v := range e.Violations {
		if v.Field == field {
			return true
		}
	}
	return false
}

// ForbiddenFieldError names the update keys outside the allow-list.
type ForbiddenFieldError struct {
	Fields []string
}

func (e *ForbiddenFieldError) Error() string {
	return fmt.Sprintf("%v: %s", ErrForbiddenField, strings.Join(e.Fields, ", "))
}

func (e *ForbiddenFieldError) Unwrap() error { return ErrForbiddenField }

// Common error checking helpers

// IsValidation checks if an error is a schema validation failure
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsForbiddenField checks if an error is an allow-list rejection
func IsForbiddenField(err error) bool {
	return errors.Is(err, ErrForbiddenField)
}

// IsUnsafeOperation checks if an error is an unsafe-operation rejection
func IsUnsafeOperation(err error) bool {
	return errors.Is(err, ErrUnsafeOperation)
}

// IsConnection checks if an error means the store is unreachable
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsTimeout checks if an error is a bounded-timeout expiry
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
