package media

import "errors"

var (
	// ErrConnection reports that the transport is unreachable. It is
	// surfaced as a connection-error event and callers may retry.
	ErrConnection = errors.New("media: connection failed")

	// ErrIdentityCollision reports that the requested identity is already
	// in use in the room.
	ErrIdentityCollision = errors.New("media: identity already in use")

	// ErrDevice reports that a local track could not be created, usually
	// because of a missing permission or device. It is fatal to the
	// current join attempt.
	ErrDevice = errors.New("media: device unavailable")

	// ErrPipeline reports a background-blur failure.
	ErrPipeline = errors.New("media: processing pipeline failed")

	// ErrNotConnected is returned by operations that need an active call.
	ErrNotConnected = errors.New("media: not connected")

	// ErrUnsupported is returned when a backend lacks a feature.
	ErrUnsupported = errors.New("media: not supported by this transport")
)

// IsCallFatal reports whether err must abort the current join attempt.
// Only join and device-acquisition failures are call-fatal; failures in
// sub-features such as screen share, blur or transcription are not.
func IsCallFatal(err error) bool {
	return errors.Is(err, ErrDevice) || errors.Is(err, ErrIdentityCollision) || errors.Is(err, ErrConnection)
}
