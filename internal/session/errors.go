package session

import "errors"

var (
	ErrMissingUserID = errors.New("session requires the local user ID")
	ErrMissingToken  = errors.New("session requires a token provider")
	ErrSessionClosed = errors.New("session is closed")
)
