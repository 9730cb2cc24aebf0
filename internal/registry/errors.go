package registry

import "errors"

// Registry error types.
var (
	ErrNilConnection         = errors.New("connection cannot be nil")
	ErrUnauthenticated       = errors.New("connection must carry school and user before registration")
	ErrDuplicateConnectionID = errors.New("connection ID already registered")
)
