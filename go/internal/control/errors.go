package control

import "errors"

var (
	// ErrMissingGameID indicates an arbitration call without a game identifier.
	ErrMissingGameID = errors.New("control: game ID is required")
	// ErrMissingIdentity indicates an arbitration call without a user identity.
	ErrMissingIdentity = errors.New("control: requesting identity is required")
	// ErrNotFound indicates the game session document does not exist.
	ErrNotFound = errors.New("control: game session not found")
)
