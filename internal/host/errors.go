package host

import (
	"errors"
	"runtime/debug"

	"github.com/mattjoyce/ductile-host/internal/protocol"
)

// Names used when a failure carries no name of its own.
const (
	DefaultErrorName  = "Error"
	UnknownErrorName  = "UnknownError"
	unknownErrorMsg   = "An unknown error occurred"
	serializationName = "SerializationError"
)

type namedError struct {
	name string
	err  error
}

// NamedError gives err a name that is reported to the service instead of "Error".
func NamedError(name string, err error) error {
	return &namedError{name: name, err: err}
}

func (e *namedError) Error() string { return e.err.Error() }
func (e *namedError) Name() string  { return e.name }
func (e *namedError) Unwrap() error { return e.err }

type stackError struct {
	err   error
	stack string
}

// WithStack attaches the current goroutine stack to err.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stackError{err: err, stack: string(debug.Stack())}
}

func (e *stackError) Error() string      { return e.err.Error() }
func (e *stackError) StackTrace() string { return e.stack }
func (e *stackError) Unwrap() error      { return e.err }

// DescribeError normalizes err for SEND_WORKFLOW_ERROR. The name comes from
// any error in the chain with a Name() string method, the stack trace from
// one with StackTrace() string.
func DescribeError(err error) protocol.ErrorDescription {
	if err == nil {
		return unknownFailure()
	}

	desc := protocol.ErrorDescription{Name: DefaultErrorName, Message: err.Error()}

	var named interface{ Name() string }
	if errors.As(err, &named) && named.Name() != "" {
		desc.Name = named.Name()
	}
	var traced interface{ StackTrace() string }
	if errors.As(err, &traced) {
		if st := traced.StackTrace(); st != "" {
			desc.StackTrace = &st
		}
	}
	return desc
}

// describePanic keeps the message and stack of error panics; anything else is unknown.
func describePanic(p any, stack []byte) protocol.ErrorDescription {
	err, ok := p.(error)
	if !ok {
		return unknownFailure()
	}
	desc := DescribeError(err)
	if desc.StackTrace == nil && len(stack) > 0 {
		st := string(stack)
		desc.StackTrace = &st
	}
	return desc
}

func unknownFailure() protocol.ErrorDescription {
	return protocol.ErrorDescription{Name: UnknownErrorName, Message: unknownErrorMsg}
}
