// Package connection owns the persistent websocket session to the chat
// server: dialing with token auth, automatic reconnection with bounded
// backoff, and typed event fan-out to the upper components. It is the only
// package allowed to touch the transport; everything above it interacts
// through Send/On.
package connection

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/pkg/interfaces"
	"chatsync/pkg/wire"
)

// transportConn bundles one physical websocket with its writer state.
// Reconnection replaces the whole bundle; the Manager itself persists.
type transportConn struct {
	ws      *websocket.Conn
	writeCh chan []byte
	done    chan struct{}
}

// subscription identity doubles as the unsubscribe key.
type subscription struct {
	event   string
	handler wire.Handler
}

// connectAttempt is shared by concurrent Connect calls so a second caller
// awaits the in-flight handshake instead of starting another one.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Manager implements interfaces.Transport over gorilla/websocket.
type Manager struct {
	server    *config.ServerConfig
	reconnect *config.ReconnectConfig
	strict    bool

	mu          sync.Mutex
	state       interfaces.ConnectionState
	token       string
	active      *transportConn
	inflight    *connectAttempt
	attempts    int
	manualClose bool
	joined      map[string]bool
	handlers    map[string][]*subscription
	retryTimer  *time.Timer
}

// NewManager builds a disconnected manager. The logical Connection object
// lives from login to logout; the underlying transport may be recreated
// many times in between.
func NewManager(server *config.ServerConfig, reconnect *config.ReconnectConfig, errorVisibility string) *Manager {
	return &Manager{
		server:    server,
		reconnect: reconnect,
		strict:    errorVisibility != config.ErrorVisibilitySilent,
		state:     interfaces.StateDisconnected,
		joined:    make(map[string]bool),
		handlers:  make(map[string][]*subscription),
	}
}

// Connect establishes the session. Idempotent: already connected with the
// same token resolves immediately, and a handshake already in flight is
// awaited rather than doubled. Connecting with a different token retires the
// live transport and dials fresh. In silent mode handshake failures are logged
// and emitted as error events but Connect returns nil; the host application
// must never crash because chat is down.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state == interfaces.StateConnected && m.token == token {
		m.mu.Unlock()
		return nil
	}
	if m.inflight != nil {
		attempt := m.inflight
		m.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := auth.CheckToken(token); err != nil {
		m.mu.Unlock()
		m.dispatchError(fmt.Errorf("%w: %v", ErrAuthRejected, err))
		return m.surface(err)
	}

	// A different token while connected means new credentials: retire the
	// current transport before dialing so at most one is ever open.
	old := m.active
	m.active = nil

	attempt := &connectAttempt{done: make(chan struct{})}
	m.inflight = attempt
	m.state = interfaces.StateConnecting
	m.token = token
	m.manualClose = false
	m.mu.Unlock()

	if old != nil {
		close(old.done)
		_ = old.ws.Close()
		m.dispatch(wire.EventDisconnect, &wire.Inbound{Event: wire.EventDisconnect, Reason: "credential change"})
	}

	err := m.dial(ctx, token)

	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()

	attempt.err = m.surface(err)
	close(attempt.done)
	return attempt.err
}

// surface applies the error-visibility policy to a Connect outcome.
func (m *Manager) surface(err error) error {
	if err == nil || m.strict {
		return err
	}
	log.Printf("connection: suppressing connect error (silent mode): %v", err)
	return nil
}

// dial performs one handshake and, on success, installs the new transport.
func (m *Manager) dial(ctx context.Context, token string) error {
	wsURL, err := socketURL(m.server.SocketURL, token)
	if err != nil {
		m.setDisconnected()
		m.dispatchError(err)
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: m.server.DialTimeout}
	// Token travels both as a header and a query parameter; some deployments
	// only read one of the two.
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	dialCtx, cancel := context.WithTimeout(ctx, m.server.DialTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		m.setDisconnected()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			authErr := fmt.Errorf("%w: HTTP %d", ErrAuthRejected, resp.StatusCode)
			m.dispatchError(authErr)
			return authErr
		}
		handshakeErr := fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		m.dispatchError(handshakeErr)
		return handshakeErr
	}

	conn := &transportConn{
		ws:      ws,
		writeCh: make(chan []byte, 100),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.active = conn
	m.state = interfaces.StateConnected
	m.attempts = 0
	rejoin := make([]string, 0, len(m.joined))
	for id := range m.joined {
		rejoin = append(rejoin, id)
	}
	m.mu.Unlock()

	go m.writeLoop(conn)
	go m.readLoop(conn)

	m.dispatch(wire.EventConnect, &wire.Inbound{Event: wire.EventConnect})

	// Room membership survives reconnection; announce each joined
	// conversation exactly once per successful handshake.
	for _, id := range rejoin {
		if err := m.Send(wire.EventJoinConversation, wire.RoomPayload{ConversationID: id}); err != nil {
			log.Printf("connection: rejoin %s failed: %v", id, err)
		}
	}

	return nil
}

func (m *Manager) setDisconnected() {
	m.mu.Lock()
	m.state = interfaces.StateDisconnected
	m.mu.Unlock()
}

// Disconnect closes the transport with a clean-shutdown code and cancels
// any pending automatic reconnect.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.manualClose = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	conn := m.active
	m.active = nil
	m.state = interfaces.StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.ws.SetWriteDeadline(deadline)
		_ = conn.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.ws.Close()
		close(conn.done)
		m.dispatch(wire.EventDisconnect, &wire.Inbound{Event: wire.EventDisconnect, Reason: "client disconnect"})
	}
	return nil
}

// Send emits one event. When the transport is not connected the event is
// logged and dropped: there is deliberately no outbox, so callers must
// tolerate silent drops (an optimistic message then stays "sent" forever).
func (m *Manager) Send(event string, payload interface{}) error {
	m.mu.Lock()
	conn := m.active
	connected := m.state == interfaces.StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		log.Printf("connection: cannot send %s: not connected", event)
		return nil
	}

	data, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}

	select {
	case conn.writeCh <- data:
		return nil
	case <-conn.done:
		log.Printf("connection: cannot send %s: transport closed", event)
		return nil
	default:
		log.Printf("connection: dropping %s: write buffer full", event)
		return nil
	}
}

// writeLoop is the single writer for one transport; websocket writes must
// never be issued from more than one goroutine.
func (m *Manager) writeLoop(conn *transportConn) {
	for {
		select {
		case data := <-conn.writeCh:
			if err := conn.ws.SetWriteDeadline(time.Now().Add(m.server.WriteTimeout)); err != nil {
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("connection: write failed: %v", err)
				return
			}
		case <-conn.done:
			return
		}
	}
}

// readLoop decodes inbound frames at the transport boundary and fans them
// out. Malformed or unknown frames are logged and dropped, never forwarded.
func (m *Manager) readLoop(conn *transportConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			m.handleClosure(conn, err)
			return
		}

		ev, decodeErr := wire.DecodeInbound(data)
		if decodeErr != nil {
			log.Printf("connection: dropping inbound frame: %v", decodeErr)
			continue
		}
		m.dispatch(ev.Event, ev)
	}
}

// handleClosure reacts to the read loop ending. Clean closures (local
// Disconnect or a normal close code from the server) stop here; anything
// else schedules a reconnect.
func (m *Manager) handleClosure(conn *transportConn, err error) {
	m.mu.Lock()
	if m.active != conn {
		// Disconnect already retired this transport.
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.state = interfaces.StateDisconnected
	manual := m.manualClose
	m.mu.Unlock()

	close(conn.done)
	_ = conn.ws.Close()

	clean := manual || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	reason := "transport closed"
	if clean {
		reason = "clean close"
	}
	log.Printf("connection: closed (%s): %v", reason, err)
	m.dispatch(wire.EventDisconnect, &wire.Inbound{Event: wire.EventDisconnect, Reason: reason})

	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		// Credentials rejected mid-session; retrying with the same token
		// cannot succeed. The session owner must refresh and reconnect.
		m.dispatchError(fmt.Errorf("%w: close code %d", ErrAuthRejected, websocket.ClosePolicyViolation))
		return
	}

	if !clean {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms one backoff timer: initial delay doubled per
// attempt, capped, abandoned after the bounded attempt count or once
// Disconnect was called.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.manualClose || m.retryTimer != nil || m.inflight != nil {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.reconnect.MaxAttempts {
		m.mu.Unlock()
		log.Printf("connection: giving up after %d reconnect attempts", m.reconnect.MaxAttempts)
		m.dispatchError(ErrReconnectExhausted)
		return
	}

	delay := m.reconnect.InitialDelay << uint(m.attempts)
	if delay > m.reconnect.MaxDelay {
		delay = m.reconnect.MaxDelay
	}
	m.attempts++
	attempt := m.attempts
	token := m.token

	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retryTimer = nil
		manual := m.manualClose
		m.mu.Unlock()
		if manual {
			return
		}
		log.Printf("connection: reconnect attempt %d/%d", attempt, m.reconnect.MaxAttempts)
		// Check the state rather than the return value: in silent mode a
		// failed Connect still returns nil.
		_ = m.Connect(context.Background(), token)
		if !m.IsConnected() {
			m.scheduleReconnect()
		}
	})
	m.mu.Unlock()
	log.Printf("connection: reconnecting in %v (attempt %d/%d)", delay, attempt, m.reconnect.MaxAttempts)
}

// On subscribes a handler and returns its unsubscribe closure. Handlers for
// one event fire in subscription order; that ordering is a contract, not an
// accident.
func (m *Manager) On(event string, h wire.Handler) func() {
	sub := &subscription{event: event, handler: h}
	m.mu.Lock()
	m.handlers[event] = append(m.handlers[event], sub)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.handlers[event]
		for i, s := range subs {
			if s == sub {
				m.handlers[event] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// dispatch fans one event out to its subscribers. A panicking handler is
// logged and must not stop the remaining handlers or the read loop.
func (m *Manager) dispatch(event string, ev *wire.Inbound) {
	m.mu.Lock()
	subs := make([]*subscription, len(m.handlers[event]))
	copy(subs, m.handlers[event])
	m.mu.Unlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("connection: handler for %s panicked: %v", event, r)
				}
			}()
			sub.handler(ev)
		}()
	}
}

func (m *Manager) dispatchError(err error) {
	m.dispatch(wire.EventError, &wire.Inbound{Event: wire.EventError, Err: err})
}

// JoinConversation records desired room membership and announces it when
// connected. Idempotent per (connection, conversation).
func (m *Manager) JoinConversation(conversationID string) {
	m.mu.Lock()
	if m.joined[conversationID] {
		m.mu.Unlock()
		return
	}
	m.joined[conversationID] = true
	connected := m.state == interfaces.StateConnected
	m.mu.Unlock()

	if connected {
		_ = m.Send(wire.EventJoinConversation, wire.RoomPayload{ConversationID: conversationID})
	}
}

// LeaveConversation drops membership and announces the leave.
func (m *Manager) LeaveConversation(conversationID string) {
	m.mu.Lock()
	if !m.joined[conversationID] {
		m.mu.Unlock()
		return
	}
	delete(m.joined, conversationID)
	connected := m.state == interfaces.StateConnected
	m.mu.Unlock()

	if connected {
		_ = m.Send(wire.EventLeaveConversation, wire.RoomPayload{ConversationID: conversationID})
	}
}

// State reports the logical transport status. Read-only introspection.
func (m *Manager) State() interfaces.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the transport is currently open.
func (m *Manager) IsConnected() bool {
	return m.State() == interfaces.StateConnected
}

// Attempts returns the current reconnect attempt counter, for diagnostics.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// socketURL converts the configured HTTP base URL into the websocket
// endpoint with the token attached as a query parameter.
func socketURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidServerURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidServerURL, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
