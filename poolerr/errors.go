// Package poolerr defines the tagged error kinds published by the process
// pool. Executors never panic or otherwise surface a bare Go error to the
// pool controller; every failure is classified into one of these Kinds and
// carried to the caller through a Future.
package poolerr

import "fmt"

// Kind classifies a pool-level failure so callers can branch on it without
// parsing error strings.
type Kind int

const (
	// InvalidArgument marks a construction or submission with illegal
	// parameters. It never reaches a process.
	InvalidArgument Kind = iota
	// FailedCommand marks a predicate that signaled failure for a specific
	// output line.
	FailedCommand
	// DisruptedExecution marks a submission that could not be attempted or
	// was aborted by an unrelated failure (process crash, executor stopped
	// during shutdown).
	DisruptedExecution
	// RejectedSubmission marks a submission refused because the pool is
	// shut down or at capacity with no queue room configured.
	RejectedSubmission
	// Timeout marks a time-bounded wait that elapsed without success. A
	// Future wait that times out leaves the submission running; the
	// invoker helpers cancel still-pending submissions before returning it.
	Timeout
	// Cancellation marks a submission whose Future was cancelled.
	Cancellation
	// Interruption marks a calling goroutine's wait being interrupted.
	Interruption
	// ExecutionFailure wraps a submission failure cause at the Future.Get
	// boundary, mirroring a checked-exception language's ExecutionException.
	ExecutionFailure
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case FailedCommand:
		return "failed_command"
	case DisruptedExecution:
		return "disrupted_execution"
	case RejectedSubmission:
		return "rejected_submission"
	case Timeout:
		return "timeout"
	case Cancellation:
		return "cancellation"
	case Interruption:
		return "interruption"
	case ExecutionFailure:
		return "execution_failure"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by pool operations. It wraps an
// optional cause and carries a Kind so callers can use errors.As/Is.
type Error struct {
	Cause   error
	Message string
	Kind    Kind
}

// New creates an Error of the given Kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given Kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, poolerr.New(poolerr.Timeout, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}
