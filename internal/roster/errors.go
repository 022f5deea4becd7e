package roster

import "errors"

var (
	// ErrListerUnavailable indicates no backing lister is configured.
	ErrListerUnavailable = errors.New("roster lister unavailable")

	errDispatcherClosed = errors.New("roster dispatcher closed")
)
