package directory

import "errors"

// Directory error types.
var (
	ErrInvalidSchoolName  = errors.New("school name cannot be empty")
	ErrInvalidUsername    = errors.New("username cannot be empty")
	ErrInvalidPassword    = errors.New("password cannot be empty")
	ErrInvalidRole        = errors.New("role must be student, teacher, school_owner, or platform_owner")
	ErrInvalidCredentials = errors.New("unknown username or wrong password")
	ErrUnknownToken       = errors.New("unknown session token")
	ErrExpiredToken       = errors.New("session token has expired")
)
