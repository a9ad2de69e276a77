package robovac

import "errors"

// Failure taxonomy for the device session. The session wraps transport
// failures with these sentinels and never retries; recovery policy
// belongs to the accessory adapter.
var (
	// ErrConfiguration marks fatal construction-time problems such as
	// missing identity fields.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrConnection marks a failure to establish the device session.
	// Recoverable by retrying on the next call.
	ErrConnection = errors.New("connection failed")

	// ErrDeviceUnreachable marks a failed schema read.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrCommand marks a failed control write. Surfaced to the caller
	// as-is.
	ErrCommand = errors.New("command failed")
)
