package behavior

import "errors"

var (
	// ErrInvalidArgument covers malformed triggers, behavior mismatches and
	// out-of-range rates. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStaleEvent means the event does not follow the profile's last update.
	ErrStaleEvent = errors.New("stale event")

	// ErrNotFound means no profile or aggregate exists for the key.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable wraps transient infrastructure failures. The
	// engine never retries these itself.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrVersionConflict is returned by stores when an optimistic write lost
	// a race. The engine handles it by re-reading; it never reaches callers.
	ErrVersionConflict = errors.New("version conflict")
)
