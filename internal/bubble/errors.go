package bubble

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated indicates the caller identity is missing.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidArgument indicates malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound indicates the referenced node or edge does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidToken indicates no unaccepted referral matches the presented
	// token. It is a NotFound for classification purposes.
	ErrInvalidToken = fmt.Errorf("invalid referral token: %w", ErrNotFound)
)
