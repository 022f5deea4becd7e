package repositories

import "errors"

var (
	// ErrNotFound indicates no node or edge matches the lookup. Redeem also
	// returns it for tokens that were already accepted.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a unique key (edge id or referral token) is taken,
	// or an optimistic node update kept losing to concurrent writers.
	ErrConflict = errors.New("record conflict")
)
