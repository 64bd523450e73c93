// Package websocket owns the realtime connection to the chat gateway.
//
// A Manager is an explicitly constructed object: callers inject credentials
// and a refresher, subscribe to events, and join conversation rooms. Room
// membership survives reconnects, and credential changes are applied by
// reconnecting transparently to subscribers.
package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bhandras/chatsync/internal/authtoken"
	"github.com/bhandras/chatsync/pkg/logger"
	socket "github.com/zishang520/socket.io/clients/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"
)

const (
	// EventMessageNew is emitted by the gateway for every stored message.
	EventMessageNew = "message:new"
	// EventConversationJoin subscribes the socket to a conversation room.
	EventConversationJoin = "conversation:join"
	// EventConversationLeave unsubscribes the socket from a conversation room.
	EventConversationLeave = "conversation:leave"

	// minRefreshInterval rate-limits auth-error driven token refreshes.
	minRefreshInterval = 30 * time.Second
	// proactiveRefreshWindow refreshes tokens this close to expiry before
	// connecting.
	proactiveRefreshWindow = 5 * time.Minute
)

// Transport selects the Engine.IO transports used for the connection.
type Transport string

const (
	// TransportWebSocket connects with websocket only.
	TransportWebSocket Transport = "websocket"
	// TransportPolling starts with long-polling and upgrades to websocket.
	TransportPolling Transport = "polling"
)

// ErrClosed is returned by operations on a closed Manager.
var ErrClosed = errors.New("realtime manager closed")

// TokenRefresher returns fresh credentials. It is called when the gateway
// rejects the current token or the token is about to expire.
type TokenRefresher func() (string, error)

// Handler receives a decoded event payload.
type Handler func(payload map[string]any)

// Options configures a Manager.
type Options struct {
	// ServerURL is the gateway origin (scheme://host[:port]).
	ServerURL string
	// Path is the Socket.IO handshake path.
	Path string
	// Token is the initial bearer token.
	Token string
	// Transport selects the transport set. Defaults to TransportPolling.
	Transport Transport
}

// Manager is a Socket.IO connection with per-conversation room membership.
type Manager struct {
	serverURL string
	path      string
	transport Transport

	mu            sync.RWMutex
	token         string
	refresher     TokenRefresher
	lastRefreshAt time.Time
	socket        *socket.Socket
	connected     bool
	closed        bool

	// generation identifies the current socket. Events carrying an older
	// generation come from a dropped socket and are ignored.
	generation uint64

	// rooms counts joins per conversation so several owners can share one
	// membership.
	rooms map[string]int

	nextID       uint64
	handlers     map[string]map[uint64]Handler
	registered   map[string]bool
	onConnect    map[uint64]func()
	onDisconnect map[uint64]func(reason string)

	// emitFn sends an event on the live socket. Replaced in tests.
	emitFn func(event string, payload any) error
	// reconnectFn tears down and re-establishes the connection. Replaced in
	// tests.
	reconnectFn func() error
}

// NewManager returns an unconnected Manager.
func NewManager(opts Options) *Manager {
	transport := opts.Transport
	if transport == "" {
		transport = TransportPolling
	}
	path := opts.Path
	if path == "" {
		path = "/socket.io/"
	}
	m := &Manager{
		serverURL:    strings.TrimRight(opts.ServerURL, "/"),
		path:         path,
		transport:    transport,
		token:        strings.TrimSpace(opts.Token),
		rooms:        make(map[string]int),
		handlers:     make(map[string]map[uint64]Handler),
		registered:   make(map[string]bool),
		onConnect:    make(map[uint64]func()),
		onDisconnect: make(map[uint64]func(string)),
	}
	m.reconnectFn = m.reconnect
	return m
}

// SetTokenRefresher installs the credential refresher.
func (m *Manager) SetTokenRefresher(fn TokenRefresher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresher = fn
}

// Token returns the current credentials.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Connect establishes the Socket.IO connection. The connection completes
// asynchronously; use WaitForConnect or OnConnect to observe it.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.socket != nil {
		m.mu.Unlock()
		return nil
	}
	m.generation++
	gen := m.generation
	refresher := m.refresher
	token := m.token
	m.mu.Unlock()

	if refresher != nil && authtoken.ExpiringSoon(token, time.Now(), proactiveRefreshWindow) {
		if fresh, err := refresher(); err != nil {
			logger.Warnf("realtime: proactive token refresh failed: %v", err)
		} else if fresh = strings.TrimSpace(fresh); fresh != "" {
			token = fresh
			m.mu.Lock()
			m.token = fresh
			m.lastRefreshAt = time.Now()
			m.mu.Unlock()
		}
	}

	logger.Debugf("realtime: connecting to %s (path %s)", m.serverURL, m.path)

	opts := socket.DefaultOptions()
	opts.SetPath(m.path)
	if m.transport == TransportWebSocket {
		opts.SetTransports(types.NewSet(socket.WebSocket))
	} else {
		opts.SetTransports(types.NewSet(socket.Polling, socket.WebSocket))
	}
	opts.SetAuth(map[string]any{"token": token})

	sock, err := socket.Connect(m.serverURL, opts)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	sock.On(types.EventName("connect"), func(args ...any) {
		m.socketConnected(gen, sock.Id())
	})
	sock.On(types.EventName("disconnect"), func(args ...any) {
		reason := ""
		if len(args) > 0 {
			reason = fmt.Sprint(args[0])
		}
		m.socketDisconnected(gen, reason)
	})
	sock.On(types.EventName("connect_error"), func(args ...any) {
		m.socketConnectError(gen, args)
	})

	m.mu.Lock()
	if m.generation != gen {
		// Closed or reconnected while dialing.
		m.mu.Unlock()
		sock.Disconnect()
		return nil
	}
	m.socket = sock
	m.registered = make(map[string]bool)
	m.emitFn = func(event string, payload any) error {
		sock.Emit(event, payload)
		return nil
	}
	events := make([]string, 0, len(m.handlers))
	for event := range m.handlers {
		events = append(events, event)
	}
	m.mu.Unlock()

	for _, event := range events {
		m.registerSocketListener(event)
	}
	return nil
}

// registerSocketListener attaches the dispatcher for event to the live
// socket, once per socket.
func (m *Manager) registerSocketListener(event string) {
	m.mu.Lock()
	sock := m.socket
	gen := m.generation
	if sock == nil || m.registered[event] {
		m.mu.Unlock()
		return
	}
	m.registered[event] = true
	m.mu.Unlock()

	sock.On(types.EventName(event), func(args ...any) {
		if !m.isCurrent(gen) {
			return
		}
		m.dispatch(event, args...)
	})
}

// isCurrent reports whether gen is the generation of the live socket.
func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation == gen
}

func (m *Manager) socketConnected(gen uint64, id string) {
	if !m.isCurrent(gen) {
		logger.Tracef("realtime: ignoring connect of a dropped socket")
		return
	}
	logger.Debugf("realtime: connected id=%s", id)
	m.handleConnect()
}

func (m *Manager) socketDisconnected(gen uint64, reason string) {
	if !m.isCurrent(gen) {
		logger.Tracef("realtime: ignoring disconnect of a dropped socket: %s", reason)
		return
	}
	logger.Debugf("realtime: disconnected: %s", reason)
	m.handleDisconnect(reason)
}

func (m *Manager) socketConnectError(gen uint64, args []any) {
	if !m.isCurrent(gen) {
		return
	}
	if len(args) > 0 {
		logger.Warnf("realtime: connection error: %v", args[0])
	}
	m.maybeRefreshToken(args)
}

// dispatch delivers an event to subscribers synchronously, preserving the
// order in which the socket received events.
func (m *Manager) dispatch(event string, args ...any) {
	logger.Tracef("realtime: event %s", event)

	var payload map[string]any
	if len(args) > 0 {
		payload = toPayload(args[0])
	}
	if payload == nil {
		logger.Debugf("realtime: dropping %s with undecodable payload", event)
		return
	}

	m.mu.RLock()
	subs := make([]Handler, 0, len(m.handlers[event]))
	for _, id := range sortedIDs(m.handlers[event]) {
		subs = append(subs, m.handlers[event][id])
	}
	m.mu.RUnlock()

	for _, fn := range subs {
		fn(payload)
	}
}

func toPayload(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		var out map[string]any
		if json.Unmarshal([]byte(t), &out) == nil {
			return out
		}
	case []byte:
		var out map[string]any
		if json.Unmarshal(t, &out) == nil {
			return out
		}
	}
	return nil
}

// Subscribe registers fn for event and returns a function that removes it.
func (m *Manager) Subscribe(event string, fn Handler) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[uint64]Handler)
	}
	m.handlers[event][id] = fn
	m.mu.Unlock()

	m.registerSocketListener(event)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.handlers[event], id)
		})
	}
}

// OnConnect registers fn to run after every (re)connect.
func (m *Manager) OnConnect(fn func()) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.onConnect[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.onConnect, id)
	}
}

// OnDisconnect registers fn to run after every disconnect.
func (m *Manager) OnDisconnect(fn func(reason string)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.onDisconnect[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.onDisconnect, id)
	}
}

func (m *Manager) handleConnect() {
	m.mu.Lock()
	m.connected = true
	emit := m.emitFn
	rooms := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	callbacks := make([]func(), 0, len(m.onConnect))
	for _, id := range sortedIDs(m.onConnect) {
		callbacks = append(callbacks, m.onConnect[id])
	}
	m.mu.Unlock()

	for _, id := range rooms {
		if emit == nil {
			break
		}
		if err := emit(EventConversationJoin, roomPayload(id)); err != nil {
			logger.Warnf("realtime: rejoin %s failed: %v", id, err)
		}
	}
	for _, fn := range callbacks {
		fn()
	}
}

func (m *Manager) handleDisconnect(reason string) {
	m.mu.Lock()
	m.connected = false
	callbacks := make([]func(string), 0, len(m.onDisconnect))
	for _, id := range sortedIDs(m.onDisconnect) {
		callbacks = append(callbacks, m.onDisconnect[id])
	}
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(reason)
	}
}

// sortedIDs returns subscription ids in registration order.
func sortedIDs[V any](subs map[uint64]V) []uint64 {
	return slices.Sorted(maps.Keys(subs))
}

func roomPayload(conversationID string) map[string]any {
	return map[string]any{"conversationId": conversationID}
}

// Join adds a membership for conversationID. The room is joined on the wire
// for the first membership, immediately when connected or on the next
// connect otherwise.
func (m *Manager) Join(conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("join: missing conversation id")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.rooms[conversationID]++
	first := m.rooms[conversationID] == 1
	emit := m.emitFn
	connected := m.connected
	m.mu.Unlock()

	if !first || !connected || emit == nil {
		return nil
	}
	if err := emit(EventConversationJoin, roomPayload(conversationID)); err != nil {
		return fmt.Errorf("join %s: %w", conversationID, err)
	}
	return nil
}

// Leave drops a membership for conversationID. The room is left on the wire
// when the last membership goes away.
func (m *Manager) Leave(conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil
	}

	m.mu.Lock()
	count, ok := m.rooms[conversationID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	last := count <= 1
	if last {
		delete(m.rooms, conversationID)
	} else {
		m.rooms[conversationID] = count - 1
	}
	emit := m.emitFn
	connected := m.connected
	m.mu.Unlock()

	if !last || !connected || emit == nil {
		return nil
	}
	if err := emit(EventConversationLeave, roomPayload(conversationID)); err != nil {
		return fmt.Errorf("leave %s: %w", conversationID, err)
	}
	return nil
}

// Rooms returns the conversations with at least one membership.
func (m *Manager) Rooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	return out
}

// UpdateToken swaps credentials and reconnects if a connection exists.
func (m *Manager) UpdateToken(token string) error {
	m.mu.Lock()
	m.token = strings.TrimSpace(token)
	hasSocket := m.socket != nil || m.connected
	reconnect := m.reconnectFn
	m.mu.Unlock()

	if !hasSocket {
		return nil
	}
	return reconnect()
}

// isAuthError reports whether a connect_error payload looks like rejected
// credentials.
func isAuthError(args []any) bool {
	if len(args) == 0 {
		return false
	}
	msg := strings.ToLower(fmt.Sprint(args[0]))
	for _, marker := range []string{"401", "unauthorized", "jwt", "invalid token", "token expired", "authentication"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// maybeRefreshToken refreshes credentials and reconnects after an auth
// error, at most once per minRefreshInterval.
func (m *Manager) maybeRefreshToken(args []any) {
	if !isAuthError(args) {
		return
	}

	m.mu.Lock()
	refresher := m.refresher
	if refresher == nil || m.closed || time.Since(m.lastRefreshAt) < minRefreshInterval {
		m.mu.Unlock()
		return
	}
	m.lastRefreshAt = time.Now()
	reconnect := m.reconnectFn
	m.mu.Unlock()

	go func() {
		token, err := refresher()
		if err != nil {
			logger.Warnf("realtime: token refresh failed: %v", err)
			return
		}
		m.mu.Lock()
		m.token = strings.TrimSpace(token)
		m.mu.Unlock()

		if err := reconnect(); err != nil {
			logger.Warnf("realtime: reconnect after refresh failed: %v", err)
		}
	}()
}

// reconnect drops the current socket and dials again with the current
// credentials.
func (m *Manager) reconnect() error {
	m.dropSocket()
	return m.Connect()
}

func (m *Manager) dropSocket() {
	m.mu.Lock()
	sock := m.socket
	m.socket = nil
	m.generation++
	m.emitFn = nil
	wasConnected := m.connected
	m.connected = false
	m.mu.Unlock()

	if sock != nil {
		sock.Disconnect()
	}
	if wasConnected {
		// The socket's own disconnect event may not fire once it has been
		// detached, so notify subscribers here.
		m.handleDisconnect("reconnect")
	}
}

// WaitForConnect waits for the socket to report connected or times out.
func (m *Manager) WaitForConnect(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.IsConnected() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return m.IsConnected()
}

// IsConnected reports whether the connection is up.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Close disconnects and rejects further use. It is safe to call more than
// once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.dropSocket()
	return nil
}
