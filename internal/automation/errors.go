package automation

import (
	"errors"
	"fmt"
	"strings"
)

// Engine errors. Action handlers wrap these so the execution log message
// carries the category name, e.g. "EmptyList: no subtask titles".
//
//	if errors.Is(err, automation.ErrMissingField) {
//	    // handler precondition failed
//	}
var (
	// ErrValidation is returned when a rule definition or action config is malformed.
	ErrValidation = errors.New("ValidationError")

	// ErrUnknownAction is returned when an action kind has no registered handler.
	ErrUnknownAction = errors.New("UnknownAction")

	// ErrMissingField is returned when a handler cannot find a required context value.
	ErrMissingField = errors.New("MissingField")

	// ErrEmptyList is returned when a handler receives an empty list it needs to act on.
	ErrEmptyList = errors.New("EmptyList")

	// ErrPartialFailure is returned when some items of a multi-write action failed.
	ErrPartialFailure = errors.New("PartialFailure")

	// ErrTransientIO is returned when the entity store or a notification channel is unreachable.
	ErrTransientIO = errors.New("TransientIOError")

	// ErrRuleNotFound is returned when a rule ID does not exist.
	ErrRuleNotFound = errors.New("automation: rule not found")

	// ErrEntityNotFound is returned when an entity referenced by a context does not exist.
	ErrEntityNotFound = errors.New("automation: entity not found")

	// ErrPoolClosed is returned when work is submitted after shutdown began.
	ErrPoolClosed = errors.New("automation: worker pool closed")
)

// FieldIssue describes one problem found while validating a rule.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every issue found in a rule definition so the
// operator sees all of them on save.
type ValidationError struct {
	Issues []FieldIssue
	causes []error
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

// Unwrap exposes ErrValidation plus any categorised cause (e.g. ErrUnknownAction).
func (e *ValidationError) Unwrap() []error {
	return append([]error{ErrValidation}, e.causes...)
}

// Add records an issue for field.
func (e *ValidationError) Add(field, format string, args ...interface{}) {
	e.Issues = append(e.Issues, FieldIssue{Field: field, Message: fmt.Sprintf(format, args...)})
}

// AddCause records an issue that also matches cause via errors.Is.
func (e *ValidationError) AddCause(field string, cause error, format string, args ...interface{}) {
	e.Add(field, format, args...)
	e.causes = append(e.causes, cause)
}

// Merge copies the issues of other under the given field prefix.
func (e *ValidationError) Merge(prefix string, other error) {
	var ve *ValidationError
	if !errors.As(other, &ve) {
		e.Add(prefix, "%v", other)
		e.causes = append(e.causes, other)
		return
	}
	for _, is := range ve.Issues {
		field := prefix
		if prefix == "" {
			field = is.Field
		} else if is.Field != "" {
			field = prefix + "." + is.Field
		}
		e.Issues = append(e.Issues, FieldIssue{Field: field, Message: is.Message})
	}
	e.causes = append(e.causes, ve.causes...)
}

// OrNil returns nil when no issues were recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}
