package taskmaster

import "fmt"

// TaskmasterError classifies a failure the way spec §7 taxonomizes them,
// so callers can branch on Kind without parsing message strings.
type TaskmasterError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// ErrorKind enumerates the error taxonomy from spec §7.
type ErrorKind string

const (
	ErrTransport    ErrorKind = "transport"
	ErrProtocol     ErrorKind = "protocol"
	ErrHandler      ErrorKind = "handler"
	ErrWorkerFailed ErrorKind = "worker_failed"
	ErrConfig       ErrorKind = "config"
)

func (e *TaskmasterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskmasterError) Unwrap() error { return e.Cause }

func newError(kind ErrorKind, message string, cause error) *TaskmasterError {
	return &TaskmasterError{Kind: kind, Message: message, Cause: cause}
}

func errUnknownCallback(name string) error {
	return newError(ErrHandler, fmt.Sprintf("unknown callback %q", name), nil)
}
