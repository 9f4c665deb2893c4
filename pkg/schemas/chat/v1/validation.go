package chat

import (
	"errors"
	"strings"
)

type ValidationIssue struct{ Field, Reason string }

type ValidationError struct{ Issues []ValidationIssue }

var ErrInvalidContract = errors.New("invalid contract")

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return ErrInvalidContract.Error()
	}
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Reason)
	}
	return ErrInvalidContract.Error() + ": " + strings.Join(parts, ", ")
}

func (e *ValidationError) add(f, r string) {
	e.Issues = append(e.Issues, ValidationIssue{Field: f, Reason: r})
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidContract }

// HasField reports whether field has at least one issue.
func (e *ValidationError) HasField(field string) bool {
	for _, is := range e.Issues {
		if is.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationError) orNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}
