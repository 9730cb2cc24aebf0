package client

import "errors"

// Controller error types.
var (
	ErrMissingServerURL = errors.New("server URL is required")
	ErrNotConnected     = errors.New("controller is not connected")
)
