package builder

import "errors"

var (
	// ErrPrechunkUnsupported is returned by builders whose work cannot be
	// expressed as key overlays.
	ErrPrechunkUnsupported = errors.New("builder does not support prechunk")

	// ErrUnknownType is returned when a payload names an unregistered builder type.
	ErrUnknownType = errors.New("unknown builder type")

	// ErrUnknownTransform is returned when a config names an unregistered transform.
	ErrUnknownTransform = errors.New("unknown transform")

	// ErrInvalidConfig is returned when a builder config fails validation.
	ErrInvalidConfig = errors.New("invalid builder config")

	// ErrNotConnected is returned when the builder is used before Connect.
	ErrNotConnected = errors.New("builder not connected")
)
