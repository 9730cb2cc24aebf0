package api

import "errors"

// API error types.
var (
	ErrInvalidAuthKey = errors.New("auth keys must be hex-encoded")
	ErrNoSession      = errors.New("no session credential on request")
)
