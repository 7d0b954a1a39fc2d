package bridge

import "errors"

// Domain errors for the bridge package.
var (
	// ErrInvalidCommand is returned for an unknown command name.
	ErrInvalidCommand = errors.New("bridge: invalid command")

	// ErrInvalidParameters is returned when command parameters are missing or malformed.
	ErrInvalidParameters = errors.New("bridge: invalid parameters")

	// ErrNoDevices is returned by the startup scan while nothing is tracked.
	ErrNoDevices = errors.New("bridge: no devices tracked")
)
