package tools

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies why a tool invocation failed.
type FailureKind string

const (
	FailureValidation  FailureKind = "validation"
	FailureUnknownTool FailureKind = "unknown_tool"
	FailureTimeout     FailureKind = "timeout"
	FailureExecution   FailureKind = "execution_error"
	FailurePanic       FailureKind = "exception"
)

// Failure is the typed error returned by Registry.Execute.
type Failure struct {
	Kind    FailureKind
	Tool    string
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", f.Tool, f.Kind, f.Err)
	}
	return fmt.Sprintf("tool %s: %s: %s", f.Tool, f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether another attempt could plausibly succeed.
// Validation failures and unknown tools never do; everything that smells
// transient (timeouts, panics, plain execution errors) does.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var f *Failure
	if errors.As(err, &f) {
		switch f.Kind {
		case FailureValidation, FailureUnknownTool:
			return false
		default:
			return true
		}
	}
	return true
}
