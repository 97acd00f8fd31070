package model

import "errors"

var (
	// ErrSourceUnavailable is wrapped by calendar sources when events could
	// not be fetched (network, auth or upstream errors).
	ErrSourceUnavailable = errors.New("calendar source unavailable")

	// ErrNotificationFailed is wrapped by notification sinks when a message
	// could not be delivered.
	ErrNotificationFailed = errors.New("notification failed")

	// ErrPersistence is wrapped by the dedup store on read/write errors.
	ErrPersistence = errors.New("persistence failure")
)
