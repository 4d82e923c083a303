package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrSubmissionFailed = errors.New("remote job submission failed")
	ErrInvalidRequest   = errors.New("invalid execution request")
	ErrRunnerClosed     = errors.New("runner is shut down")
)

// PipelineError wraps errors with execution context.
type PipelineError struct {
	ExecID string
	Stage  string // The stage that failed
	Err    error
}

func (e *PipelineError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// IsSubmissionFailed returns true if the error is a remote job creation failure.
func IsSubmissionFailed(err error) bool {
	return errors.Is(err, ErrSubmissionFailed)
}

// IsInvalidRequest returns true if the error is a request validation failure.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}
