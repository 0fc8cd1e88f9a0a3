package nameserver

import "errors"

var (
	// ErrNoActiveServer is returned when resolving a URI that has no
	// active server registered.
	ErrNoActiveServer = errors.New("no active server for uri")

	// ErrRegistrationRefused is returned when the name server did not
	// grant an active slot to a registering server. Fatal for the server
	// process.
	ErrRegistrationRefused = errors.New("registration refused")
)
