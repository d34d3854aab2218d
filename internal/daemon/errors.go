package daemon

import "errors"

var (
	ErrNotMember      = errors.New("not in channel")
	ErrSecretMismatch = errors.New("channel already open with a different secret")
	ErrMissingField   = errors.New("missing field")
	ErrUnknownAction  = errors.New("unknown action")
	ErrClosed         = errors.New("daemon closed")
)
