package history

import "errors"

var (
	ErrRequestFailed     = errors.New("history request failed")
	ErrMalformedResponse = errors.New("malformed history response")
)
