package event

import "errors"

// Envelope validation errors. The dispatcher treats any of these as a
// protocol violation and drops the event.
var (
	ErrNilEvent         = errors.New("event cannot be nil")
	ErrInvalidEntity    = errors.New("unknown event entity")
	ErrInvalidAction    = errors.New("unknown event action")
	ErrTypeMismatch     = errors.New("event type does not match entity.action")
	ErrMissingData      = errors.New("event data is required")
	ErrMissingSchoolID  = errors.New("event meta.schoolId is required")
	ErrMissingTimestamp = errors.New("event meta.timestamp is required")
	ErrInvalidTimestamp = errors.New("event meta.timestamp is not ISO-8601")
	ErrInvalidPayload   = errors.New("event payload cannot be marshaled")
)
