package types

import "errors"

// Validation errors shared across components.
var (
	ErrEmptyConversationID = errors.New("conversation ID cannot be empty")
	ErrEmptyMessageID      = errors.New("message ID cannot be empty")
	ErrEmptySenderID       = errors.New("sender ID cannot be empty")
	ErrEmptyContent        = errors.New("message content cannot be empty")
	ErrContentTooLarge     = errors.New("message content exceeds 64KB limit")
	ErrZeroTimestamp       = errors.New("message timestamp cannot be zero")
)
