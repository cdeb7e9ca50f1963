package domain

import (
	"errors"
	"fmt"
)

// Domain errors - use these for consistent error handling
var (
	// Session errors
	ErrNotInitialized = errors.New("chat session not initialized")
	ErrNotConnected   = errors.New("not connected to chat server")

	// Identity errors
	ErrInvalidHandle    = errors.New("handle must be a positive integer")
	ErrInvalidPublisher = errors.New("invalid publisher")
	ErrInvalidApplicant = errors.New("invalid applicant")

	// Token errors
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("capability not granted")
)

// ConnectionError reports a terminal failure while establishing the transport
// connection: the token provider failed or the transport reported "failed".
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("chat connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// DecodeError reports a malformed inbound envelope. It is logged and never
// surfaced to listeners.
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope on %s: %v", e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsConnectionError checks whether err carries a *ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
