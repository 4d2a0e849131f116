package orchestration

import (
	"errors"
	"fmt"
)

var (
	// ErrPipelineNotFound means no status file exists; it is not an I/O failure.
	ErrPipelineNotFound = errors.New("pipeline not found")

	ErrHandlerNotFound  = errors.New("no handler registered for step")
	ErrDuplicateHandler = errors.New("handler already registered for step")
	ErrReservedStep     = errors.New("step is reserved for deletion pipelines")
	ErrNoSteps          = errors.New("pipeline has no steps")

	// ErrExecutionSuperseded means the stored status belongs to another execution.
	ErrExecutionSuperseded = errors.New("pipeline execution superseded")
	ErrStatusChanged       = errors.New("pipeline status changed concurrently")

	ErrStorageRequired      = errors.New("content storage is required")
	ErrQueueFactoryRequired = errors.New("queue factory is required")
	ErrHandlerRequired      = errors.New("step handler is required")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler failure that retrying cannot fix, such as a
// corrupt file. The pipeline is marked failed and the message is not redelivered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is Permanent(fmt.Errorf(format, args...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
