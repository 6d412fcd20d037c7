package mux

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass partitions upstream failures into the categories the endpoint
// layer maps onto HTTP statuses.
type ErrorClass int

const (
	ErrClassTimeout    ErrorClass = iota // upstream connect or between-chunk read timeout
	ErrClassConnection                   // refused, reset, unreachable, DNS failure
	ErrClassHTTP                         // upstream answered with a non-2xx status
)

// String returns the metrics label for the class.
func (c ErrorClass) String() string {
	switch c {
	case ErrClassTimeout:
		return "timeout"
	case ErrClassConnection:
		return "connection"
	case ErrClassHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// StreamError is the classified, terminal error of a shared stream. It is set
// exactly once, when the upstream reader exits abnormally, and never cleared.
type StreamError struct {
	Class  ErrorClass
	Status int // HTTP status, only for ErrClassHTTP
	cause  error
}

func (e *StreamError) Error() string {
	switch e.Class {
	case ErrClassTimeout:
		if e.cause != nil {
			return fmt.Sprintf("upstream timeout: %v", e.cause)
		}
		return "upstream timeout"
	case ErrClassHTTP:
		return fmt.Sprintf("http error: %d", e.Status)
	default:
		if e.cause != nil {
			return fmt.Sprintf("connection error: %v", e.cause)
		}
		return "connection error"
	}
}

func (e *StreamError) Unwrap() error {
	return e.cause
}

// newHTTPError builds the terminal error for a non-2xx upstream response.
func newHTTPError(status int) *StreamError {
	return &StreamError{Class: ErrClassHTTP, Status: status}
}

// classifyUpstreamError sorts a transport-level failure into timeout or
// connection by error type, never by message text. readTimedOut is set when
// the between-chunk watchdog cancelled the request; the transport then
// reports a generic context cancellation that must still classify as timeout.
func classifyUpstreamError(err error, readTimedOut bool) *StreamError {
	if readTimedOut {
		return &StreamError{Class: ErrClassTimeout, cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &StreamError{Class: ErrClassTimeout, cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &StreamError{Class: ErrClassTimeout, cause: err}
	}

	return &StreamError{Class: ErrClassConnection, cause: err}
}
