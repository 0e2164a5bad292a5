package wire

import "errors"

// Frame decoding errors. All of them mean "drop the frame"; none are fatal
// to the read loop.
var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrMissingEventName = errors.New("frame has no event name")
	ErrMalformedPayload = errors.New("malformed event payload")
	ErrUnknownEvent     = errors.New("unknown event")
)
