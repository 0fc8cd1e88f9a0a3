package eventbus

import "errors"

var (
	// ErrConnectionRefused is returned from Dial when the server's connect
	// handler rejected the auth payload.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrSessionNotFound is returned when emitting to a session id that is
	// not (or no longer) connected.
	ErrSessionNotFound = errors.New("session not found")

	// ErrClosed is returned when using a server or client after Close.
	ErrClosed = errors.New("eventbus closed")

	// ErrAckTimeout is returned when the context for an EmitWithAck expires
	// before the remote side acknowledged the event.
	ErrAckTimeout = errors.New("ack timeout")
)
