package fleet

import "errors"

// Domain-specific errors for fleet operations.
var (
	// ErrCommandRejected is returned when a command targets a device that
	// has no connection or whose connection is not currently up. Commands
	// are never queued or retried.
	ErrCommandRejected = errors.New("fleet: command rejected, device not connected")

	// ErrDeviceNotFound is returned when the device is not in the active set.
	ErrDeviceNotFound = errors.New("fleet: device not found")

	// ErrInvalidIdentity is returned for a desired set that cannot be applied.
	ErrInvalidIdentity = errors.New("fleet: invalid device identity")

	// ErrInvalidCommand is returned when command arguments are malformed.
	ErrInvalidCommand = errors.New("fleet: invalid command")

	// ErrServiceClosed is returned after Close.
	ErrServiceClosed = errors.New("fleet: service closed")
)
