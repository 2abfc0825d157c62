// Package protocol presents one call contract over the transports a virtual
// user speaks: unary HTTP and persistent-connection gRPC.
package protocol

import (
	"errors"
	"strconv"
	"time"
)

// Protocol identifies the transport that produced a result.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

// Class is the outcome class of a call.
type Class int

const (
	// ClassSuccess is a call the target served as intended.
	ClassSuccess Class = iota
	// ClassExpectedFailure is a non-success status the workload declared
	// acceptable (e.g. claiming a goal that is not completed yet).
	ClassExpectedFailure
	// ClassFailure covers transport errors, timeouts, unexpected statuses
	// and contract violations.
	ClassFailure
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassExpectedFailure:
		return "expected_failure"
	case ClassFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Status values that are not derived from a protocol status code.
const (
	StatusOK         = "ok"
	StatusTimeout    = "timeout"
	StatusConnection = "connection"
	StatusDecode     = "decode"
	StatusCanceled   = "canceled"
	StatusInvalid    = "error"
)

// CallResult is produced by every call. It is consumed by the metrics
// registry and by session branching logic.
type CallResult struct {
	Tag      string
	Protocol Protocol
	Class    Class
	// Status is a low-cardinality label: "ok", "http_404", "timeout",
	// "connection", "decode", "grpc_Unavailable", ...
	Status  string
	Code    int
	Latency time.Duration
	Payload []byte
	Err     error
}

// OK reports a success class result.
func (r CallResult) OK() bool {
	return r.Class == ClassSuccess
}

// Failed reports a failure class result. Expected failures are not failed.
func (r CallResult) Failed() bool {
	return r.Class == ClassFailure
}

// TimedOut reports whether the call exceeded its deadline.
func (r CallResult) TimedOut() bool {
	var te *CallTimeoutError
	return errors.As(r.Err, &te)
}

func httpStatus(code int) string {
	return "http_" + strconv.Itoa(code)
}
