package chatserver

import "errors"

var (
	// ErrDuplicateName is returned when a connecting user's name is taken
	// by a live, non-replicated entry. Surfaced as a connection refusal.
	ErrDuplicateName = errors.New("username invalid or already taken")

	// ErrUserNotFound is returned by table lookups that came up empty.
	ErrUserNotFound = errors.New("user not found")

	// ErrMigrationInProgress refuses new user connections while the server
	// is handing its state over to a successor.
	ErrMigrationInProgress = errors.New("server is migrating")

	// ErrServerDown is the refusal reason while the console has the server
	// in simulated-down mode.
	ErrServerDown = errors.New("server down")

	// ErrNoReplica is returned by replica pairing when no other active
	// server is registered for the URI yet.
	ErrNoReplica = errors.New("no replica registered")
)
