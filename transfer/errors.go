package transfer

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrDuplicateTransfer is returned when a transfer for the resource is
	// already active.
	ErrDuplicateTransfer = errors.New("transfer already active for resource")

	// ErrTimeout is returned when the remote stops responding and retries
	// are exhausted.
	ErrTimeout = errors.New("no response from remote")

	// ErrCancelled is returned for transfers cancelled by the caller.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrAborted is returned when the abort hook stops a transfer.
	ErrAborted = errors.New("transfer aborted")

	// ErrUnsupportedVersion is returned when the remote offers a protocol
	// version this client does not speak.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrRemote is returned when the remote ends a transfer with an error status.
	ErrRemote = errors.New("remote ended transfer")

	// ErrManagerClosed is returned for transfers started on, or still active
	// in, a closed manager.
	ErrManagerClosed = errors.New("transfer manager closed")

	// ErrTooLarge is returned when a read grows past its size limit.
	ErrTooLarge = errors.New("resource exceeds maximum read size")

	// ErrInvalidConfig indicates invalid configuration or parameters.
	ErrInvalidConfig = errors.New("invalid transfer configuration")
)

// Error is the failure result of a transfer. Status is the gRPC code the
// transfer ended with; Err carries the cause and is matched by errors.Is.
type Error struct {
	ResourceID uint32
	Status     codes.Code
	Err        error
}

func newError(resourceID uint32, code codes.Code, err error) *Error {
	return &Error{ResourceID: resourceID, Status: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer %d failed with %s: %v", e.ResourceID, e.Status, e.Err)
	}
	return fmt.Sprintf("transfer %d failed with %s", e.ResourceID, e.Status)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// GRPCStatus lets status.Code and status.FromError report the transfer status.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Status, e.Error())
}

// StatusOf returns the status code of a transfer result. A nil error is OK.
func StatusOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Status
	}
	return status.Code(err)
}
