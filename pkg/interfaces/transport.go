package interfaces

import (
	"context"

	"chatsync/pkg/wire"
)

// ConnectionState is the logical transport status of a session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Transport is the single surface upper components use to reach the network.
// Exactly one implementation owns the physical connection; everything else
// interacts only through Send/On.
type Transport interface {
	// Connect establishes the session with the given bearer token.
	// Idempotent: connecting while connected with the same token is a no-op,
	// and concurrent calls share one attempt.
	Connect(ctx context.Context, token string) error

	// Disconnect closes the transport cleanly and cancels pending reconnects.
	Disconnect() error

	// Send emits one event. When the transport is not connected the event is
	// logged and dropped; Send never fails for connectivity reasons.
	Send(event string, payload interface{}) error

	// On subscribes a handler to an event name and returns its unsubscribe
	// closure. Handlers fire in subscription order.
	On(event string, h wire.Handler) func()

	// JoinConversation marks a conversation room as desired membership and
	// announces it when connected. Idempotent per conversation; membership is
	// re-announced once after every reconnect.
	JoinConversation(conversationID string)

	// LeaveConversation drops desired membership and announces the leave.
	LeaveConversation(conversationID string)

	// State reports the current logical transport status.
	State() ConnectionState

	// IsConnected is a convenience for State() == StateConnected.
	IsConnected() bool
}
