// Package wire defines the closed event vocabulary exchanged with the chat
// server and the JSON frame codec used on the websocket. Every inbound frame
// is decoded and validated here, at the transport boundary; components never
// see raw payloads or unrecognized event names.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"chatsync/pkg/types"
)

// Outbound event names.
const (
	EventSendMessage       = "send_message"
	EventTyping            = "typing"
	EventStopTyping        = "stop_typing"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventMessageRead       = "message_read"
	EventMessageDelivered  = "message_delivered"
)

// Inbound event names. EventNewMessage and EventMessageStatusUpdate arrive
// only from the server; typing/stop_typing are bidirectional.
const (
	EventNewMessage          = "new_message"
	EventMessageStatusUpdate = "message_status_update"
)

// Local lifecycle events dispatched by the connection manager. They never
// travel on the wire but share the subscription surface.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventError      = "error"
)

// Frame is the envelope for every websocket message: an event name plus a
// JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessagePayload asks the server to persist and fan out a new message.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
}

// TypingPayload signals composing activity. UserID/UserName are filled by
// the server on the inbound leg; outbound frames carry only the conversation.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	UserName       string `json:"userName,omitempty"`
}

// StopTypingPayload ends composing activity for a user.
type StopTypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// RoomPayload joins or leaves a conversation room.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// MessageReadPayload acknowledges reads. MessageID is omitted to mean
// "everything in this conversation".
type MessageReadPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
}

// MessageDeliveredPayload acknowledges delivery of one specific message.
type MessageDeliveredPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// StatusUpdatePayload is the server's notification that a message moved to a
// new delivery state.
type StatusUpdatePayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updatedAt,omitempty"`
}

// Inbound is the tagged variant produced by DecodeInbound. Exactly one of
// the payload fields is set for wire events; Err and Reason carry local
// lifecycle detail for error/disconnect events.
type Inbound struct {
	Event      string
	Message    *types.Message
	Status     *StatusUpdatePayload
	Typing     *TypingPayload
	StopTyping *StopTypingPayload

	// Local lifecycle detail, never decoded from the wire.
	Err    error
	Reason string
}

// Encode marshals an outbound frame.
func Encode(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// DecodeInbound parses one frame from the server and validates its payload.
// Unrecognized event names return ErrUnknownEvent so the caller can log and
// drop the frame rather than forward it blindly.
func DecodeInbound(raw []byte) (*Inbound, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Event == "" {
		return nil, ErrMissingEventName
	}

	switch frame.Event {
	case EventNewMessage:
		var msg types.Message
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, frame.Event, err)
		}
		msg.Normalize()
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, frame.Event, err)
		}
		return &Inbound{Event: frame.Event, Message: &msg}, nil

	case EventMessageStatusUpdate:
		var p StatusUpdatePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, frame.Event, err)
		}
		if p.MessageID == "" || p.ConversationID == "" {
			return nil, fmt.Errorf("%w: %s: missing ids", ErrMalformedPayload, frame.Event)
		}
		return &Inbound{Event: frame.Event, Status: &p}, nil

	case EventTyping:
		var p TypingPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, frame.Event, err)
		}
		if p.ConversationID == "" || p.UserID == "" {
			return nil, fmt.Errorf("%w: %s: missing ids", ErrMalformedPayload, frame.Event)
		}
		return &Inbound{Event: frame.Event, Typing: &p}, nil

	case EventStopTyping:
		var p StopTypingPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, frame.Event, err)
		}
		if p.ConversationID == "" || p.UserID == "" {
			return nil, fmt.Errorf("%w: %s: missing ids", ErrMalformedPayload, frame.Event)
		}
		return &Inbound{Event: frame.Event, StopTyping: &p}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
	}
}

// Handler consumes one decoded inbound event. Handlers for the same event
// fire in subscription order; that ordering is part of the contract.
type Handler func(ev *Inbound)
