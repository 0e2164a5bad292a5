package msgsync

import "errors"

var (
	ErrUnknownConversation = errors.New("conversation not loaded")
	ErrNoOlderMessages     = errors.New("no older messages to load")
)
