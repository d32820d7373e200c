package remote

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("remote channel is not connected")
	ErrTimeout      = errors.New("timed out waiting for acknowledgement")
	// ErrConnectionLost is returned to requests still waiting when the transport drops.
	ErrConnectionLost = errors.New("connection lost before acknowledgement")
)

// ConnectionError is returned by Connect when the transport cannot be established or the
// credentials are rejected.
type ConnectionError struct {
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to connect (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("failed to connect: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// OperationError is a structured rejection returned by the remote for a request.
type OperationError struct {
	Name    string
	Message string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("remote rejected request: %s: %s", e.Name, e.Message)
}

// IsOperationError reports whether err is an OperationError with the given name.
func IsOperationError(err error, name string) bool {
	var opErr *OperationError
	return errors.As(err, &opErr) && opErr.Name == name
}
