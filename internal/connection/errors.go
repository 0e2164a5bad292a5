package connection

import "errors"

// Connection-level errors. Auth rejections are terminal for this layer:
// the session owner must refresh credentials and call Connect again.
var (
	ErrAuthRejected       = errors.New("authentication rejected by server")
	ErrHandshakeFailed    = errors.New("websocket handshake failed")
	ErrInvalidServerURL   = errors.New("invalid server URL")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)
