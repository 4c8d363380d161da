package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound          = errors.New("job not found")
	ErrNotPending           = errors.New("job is not pending")
	ErrInvalidConfiguration = errors.New("invalid processing configuration")
	ErrCaptureCancelled     = errors.New("file selection cancelled")
)

// CaptureError reports that privileged file access failed for one file, or
// that the selection itself failed. It never aborts a whole batch.
type CaptureError struct {
	Path string
	Err  error
}

func (e *CaptureError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("capture failed: %v", e.Err)
	}
	return fmt.Sprintf("capture %s: %v", e.Path, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// GatewayError reports that the processing service was reachable but
// rejected the request.
type GatewayError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("service rejected %s (HTTP %d)", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("service rejected %s (HTTP %d): %s", e.Op, e.StatusCode, e.Message)
}

// UnreachableError reports a transport-level failure talking to the service.
type UnreachableError struct {
	Op  string
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("service unreachable during %s: %v", e.Op, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// ProtocolError reports a response that contradicts what the client knows,
// such as a snapshot for a different job or an unknown status.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Reason)
}

// IsUnreachable reports whether err is, or wraps, an UnreachableError.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

// IsProtocol reports whether err is, or wraps, a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
