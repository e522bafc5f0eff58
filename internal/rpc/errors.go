package rpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned for calls on a channel whose connection has ended.
	ErrClosed = errors.New("rpc: channel closed")

	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("rpc: call timed out")
)

// TimeoutError is returned when no response arrives within the call window.
type TimeoutError struct {
	Method string
	ID     string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: %s (call %s) timed out after %s", e.Method, e.ID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// RemoteError is a failure the remote side reported in its response.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s failed remotely: %s", e.Method, e.Message)
}

// IsTimeout reports whether err is a call timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
