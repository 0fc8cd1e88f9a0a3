package config

import "errors"

var (
	// ErrInvalidConfig wraps validation failures with the offending field
	// in the message.
	ErrInvalidConfig = errors.New("invalid configuration")
)
