// Package session is the explicit context object for one logged-in user's
// chat state. It is constructed after login, torn down on logout, and wires
// the connection manager's event stream into the synchronizer, receipts
// tracker, and typing coordinator. Nothing in this module is a process-wide
// singleton.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/connection"
	"chatsync/internal/history"
	"chatsync/internal/msgsync"
	"chatsync/internal/receipts"
	"chatsync/internal/store"
	"chatsync/internal/typing"
	"chatsync/pkg/interfaces"
	"chatsync/pkg/types"
	"chatsync/pkg/wire"
)

// Options configures a session.
type Options struct {
	Config *config.Config

	// UserID is the authenticated local user; needed to tell self-authored
	// messages from remote ones.
	UserID string

	// Token supplies the current bearer token on every connect.
	Token func() string

	// OnAuthError fires when the server rejects credentials. The owner is
	// expected to refresh the token and call Connect again; this layer never
	// retries auth failures itself.
	OnAuthError func(error)

	// OnUpdate, when set, fires after a conversation's visible state
	// (messages or typing line) changed. Empty id means connectivity changed.
	OnUpdate func(conversationID string)
}

// Session coordinates the chat sync core for one user.
type Session struct {
	cfg       *config.Config
	userID    string
	token     func() string
	transport interfaces.Transport
	sync      *msgsync.Synchronizer
	receipts  *receipts.Tracker
	typing    *typing.Coordinator
	cache     interfaces.MessageStore
	unsubs    []func()

	mu     sync.Mutex
	closed bool
}

// isClosed reports whether Close already ran. Lifecycle calls check it so a
// session torn down on logout refuses further use.
func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// New builds a fully wired session from configuration. The cache is opened
// here when enabled; a cache failure degrades to no caching rather than
// failing login.
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.UserID == "" {
		return nil, ErrMissingUserID
	}
	if opts.Token == nil {
		return nil, ErrMissingToken
	}

	var cache interfaces.MessageStore
	if cfg.Cache.Enabled {
		opened, err := store.Open(cfg.Cache.Path)
		if err != nil {
			log.Printf("session: message cache unavailable: %v", err)
		} else {
			cache = opened
		}
	}

	transport := connection.NewManager(cfg.Server, cfg.Reconnect, cfg.ErrorVisibility)
	historyClient := history.NewClient(cfg.Server.APIBaseURL, history.TokenFunc(opts.Token), cfg.History.RequestTimeout)

	return assemble(cfg, opts, transport, historyClient, cache), nil
}

// assemble wires components around a transport. Split out so tests can
// inject fakes.
func assemble(cfg *config.Config, opts Options, transport interfaces.Transport, historyClient interfaces.HistoryClient, cache interfaces.MessageStore) *Session {
	s := &Session{
		cfg:       cfg,
		userID:    opts.UserID,
		token:     opts.Token,
		transport: transport,
		cache:     cache,
	}
	s.sync = msgsync.New(opts.UserID, transport, historyClient, cache, cfg.History.PageSize)
	s.receipts = receipts.New(transport, opts.UserID, cfg.Receipts.ReadDebounce)
	s.typing = typing.New(transport, opts.UserID, cfg.Typing)

	notify := func(conversationID string) {
		if opts.OnUpdate != nil {
			opts.OnUpdate(conversationID)
		}
	}
	s.typing.SetOnChange(notify)

	s.unsubs = append(s.unsubs,
		transport.On(wire.EventNewMessage, func(ev *wire.Inbound) {
			s.sync.ReconcileIncoming(ev.Message)
			s.receipts.HandleIncoming(ev.Message)
			notify(ev.Message.ConversationID)
		}),
		transport.On(wire.EventMessageStatusUpdate, func(ev *wire.Inbound) {
			s.sync.ApplyStatus(ev.Status.ConversationID, ev.Status.MessageID, ev.Status.Status)
			notify(ev.Status.ConversationID)
		}),
		transport.On(wire.EventTyping, func(ev *wire.Inbound) {
			s.typing.HandleTyping(ev.Typing)
		}),
		transport.On(wire.EventStopTyping, func(ev *wire.Inbound) {
			s.typing.HandleStopTyping(ev.StopTyping)
		}),
		transport.On(wire.EventConnect, func(ev *wire.Inbound) {
			// A read mark dropped while offline fires now that it can.
			s.receipts.HandleConnect()
			notify("")
		}),
		transport.On(wire.EventDisconnect, func(ev *wire.Inbound) {
			notify("")
		}),
		transport.On(wire.EventError, func(ev *wire.Inbound) {
			if isAuthError(ev.Err) && opts.OnAuthError != nil {
				opts.OnAuthError(ev.Err)
			}
		}),
	)

	return s
}

// isAuthError distinguishes credential rejection from transport trouble;
// only the former is the session owner's job to fix.
func isAuthError(err error) bool {
	return err != nil &&
		(errors.Is(err, connection.ErrAuthRejected) ||
			errors.Is(err, auth.ErrTokenExpired) ||
			errors.Is(err, auth.ErrEmptyToken))
}

// Connect establishes the realtime connection with the current token.
func (s *Session) Connect(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.transport.Connect(ctx, s.token())
}

// OpenConversation joins the conversation room, loads the newest history
// page, and schedules the read acknowledgement. The join is announced
// before the page load so realtime events are not missed in between; a
// failed page load keeps whatever was already loaded and surfaces the error
// for the retry affordance.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	s.transport.JoinConversation(conversationID)
	s.receipts.OpenConversation(conversationID)

	if err := s.sync.LoadInitialPage(ctx, conversationID); err != nil {
		return err
	}
	s.receipts.MarkViewed(conversationID)
	return nil
}

// RetryInitialLoad re-runs the initial page fetch after a failure.
func (s *Session) RetryInitialLoad(ctx context.Context, conversationID string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := s.sync.LoadInitialPage(ctx, conversationID); err != nil {
		return err
	}
	s.receipts.MarkViewed(conversationID)
	return nil
}

// CloseConversation tears the view down: emits a pending stop-typing,
// cancels every timer owned by the view, drops list state, and leaves the
// room.
func (s *Session) CloseConversation(conversationID string) {
	s.typing.EmitStopTyping(conversationID)
	s.typing.CloseConversation(conversationID)
	s.receipts.CloseConversation(conversationID)
	s.sync.Close(conversationID)
	s.transport.LeaveConversation(conversationID)
}

// SendMessage performs an optimistic send and ends the local typing signal,
// returning the placeholder that is now in the list.
func (s *Session) SendMessage(conversationID, text string) *types.Message {
	s.typing.EmitStopTyping(conversationID)
	return s.sync.SendMessage(conversationID, text)
}

// LoadOlderPage backfills one page of older history.
func (s *Session) LoadOlderPage(ctx context.Context, conversationID string) error {
	return s.sync.LoadOlderPage(ctx, conversationID)
}

// Messages returns the conversation's list, oldest first.
func (s *Session) Messages(conversationID string) []*types.Message {
	return s.sync.Messages(conversationID)
}

// HasMore reports whether older history remains.
func (s *Session) HasMore(conversationID string) bool {
	return s.sync.HasMore(conversationID)
}

// EmitTyping forwards keystroke activity to the typing coordinator.
func (s *Session) EmitTyping(conversationID string) {
	s.typing.EmitTyping(conversationID)
}

// StopTyping ends the local typing signal explicitly (blur, navigation).
func (s *Session) StopTyping(conversationID string) {
	s.typing.EmitStopTyping(conversationID)
}

// TypingLine renders the "who is typing" indicator for display.
func (s *Session) TypingLine(conversationID string) string {
	return s.typing.FormatTypers(conversationID)
}

// Typers returns the raw active-typer set.
func (s *Session) Typers(conversationID string) []types.TypingUser {
	return s.typing.Typers(conversationID)
}

// State reports transport connectivity for the status indicator.
func (s *Session) State() interfaces.ConnectionState {
	return s.transport.State()
}

// Close tears the session down on logout: disconnects, unsubscribes all
// handlers, cancels all timers, and closes the cache. Safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.transport.Disconnect()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.typing.Close()
	s.receipts.Close()
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			log.Printf("session: cache close failed: %v", err)
		}
	}
	return nil
}
