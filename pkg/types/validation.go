package types

// Validate ensures an inbound server message is complete enough to enter
// a conversation's list. Validation sits at the transport boundary so the
// synchronizer never sees half-formed messages.
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrEmptyMessageID
	}
	if m.ConversationID == "" {
		return ErrEmptyConversationID
	}
	if m.SenderID == "" {
		return ErrEmptySenderID
	}
	if m.Content == "" {
		return ErrEmptyContent
	}
	if len(m.Content) > 65536 {
		return ErrContentTooLarge
	}
	if m.CreatedAt.IsZero() {
		return ErrZeroTimestamp
	}
	return nil
}

// Normalize applies server-to-client canonicalization: lowercase status and
// a default content type. Called once when a message crosses the wire.
func (m *Message) Normalize() {
	m.Status = NormalizeStatus(string(m.Status))
	if m.Type == "" {
		m.Type = ContentTypeText
	}
}
