package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ConnectionError is a failure to reach the target. The owning handle
// reconnects lazily on its next use.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CallTimeoutError is a call that exceeded its deadline.
type CallTimeoutError struct {
	Tag     string
	Timeout time.Duration
	Err     error
}

func (e *CallTimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s: timed out after %s", e.Tag, e.Timeout)
	}
	return fmt.Sprintf("%s: deadline exceeded", e.Tag)
}

func (e *CallTimeoutError) Unwrap() error { return e.Err }

// DecodeError is a response that did not match the contract of its tag.
type DecodeError struct {
	Tag string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode response: %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StatusError is an unexpected protocol status.
type StatusError struct {
	Tag    string
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %s", e.Tag, e.Status)
}

// isTimeout recognizes deadline errors from contexts and the net package.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
