package graph

import (
	"fmt"
	"strings"
)

// Reason classifies a structural violation so callers can branch on it
// without parsing messages.
type Reason string

const (
	ReasonCycle               Reason = "cycle"
	ReasonSelfDependency      Reason = "self_dependency"
	ReasonSubtaskDependency   Reason = "subtask_dependency"
	ReasonBlockedTaskDrop     Reason = "blocked_task_drop"
	ReasonContainmentCycle    Reason = "containment_cycle"
	ReasonUnknownTask         Reason = "unknown_task"
	ReasonDuplicateDependency Reason = "duplicate_dependency"
	ReasonInvalidTask         Reason = "invalid_task"
)

type ValidationError struct {
	Reason    Reason `json:"reason"`
	FieldPath string `json:"field"`
	Message   string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(reason Reason, fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{Reason: reason, FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return ve != nil && len(ve.Errors) > 0
}

// HasReason reports whether any collected error carries the given reason.
func (ve *ValidationErrors) HasReason(r Reason) bool {
	if ve == nil {
		return false
	}
	for _, e := range ve.Errors {
		if e.Reason == r {
			return true
		}
	}
	return false
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}

func (ve *ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	for _, e := range ve.Errors {
		fmt.Fprintf(&sb, "error: %s: %s\n", e.FieldPath, e.Message)
	}
	return sb.String()
}

// orNil keeps the typed-nil trap out of callers returning error.
func (ve *ValidationErrors) orNil() error {
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func newValidationError(reason Reason, fieldPath, format string, args ...any) *ValidationErrors {
	ve := &ValidationErrors{}
	ve.Add(reason, fieldPath, fmt.Sprintf(format, args...))
	return ve
}

// DependencyResult is the outcome of validating or inserting a dependency edge.
type DependencyResult struct {
	IsValid          bool              `json:"is_valid"`
	WouldCreateCycle bool              `json:"would_create_cycle"`
	Errors           []ValidationError `json:"errors,omitempty"`
}

// Err returns the result's violations as an error, or nil when valid.
func (r DependencyResult) Err() error {
	if r.IsValid {
		return nil
	}
	return &ValidationErrors{Errors: r.Errors}
}
