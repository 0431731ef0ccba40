// Package relay owns the single authenticated realtime connection to
// the relay server. It is the only package that touches the socket:
// inbound wire events are decoded once and republished as typed bus
// events, outbound publishes go through a buffered write pump. All
// other components are state machines driven from the bus.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bazarapp/rtc/internal/bus"
	"github.com/bazarapp/rtc/internal/wire"
)

// ErrAuthMissing is returned by Connect when no token is available.
// The connection is refused locally before any dial is attempted.
var ErrAuthMissing = errors.New("relay: no auth token available")

// TokenFunc supplies the borrowed auth token. It is consulted on every
// connection attempt so a refreshed token is picked up on reconnect.
type TokenFunc func() (token string, ok bool)

// Conn is the subset of the websocket connection the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens one websocket connection. The default uses
// gorilla/websocket; tests substitute an in-memory pipe.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

func gorillaDial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options configure a Session beyond its config file values.
type Options struct {
	URL               string
	Token             TokenFunc
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	Dial              DialFunc // nil = gorilla/websocket
}

// Session supervises exactly one relay connection.
type Session struct {
	opts    Options
	bus     *bus.Bus
	logger  *zap.Logger
	machine *Machine

	mu      sync.Mutex
	conn    Conn
	gen     int // connection generation; stale pumps compare before acting
	send    chan []byte
	stop    chan struct{} // closed per connection to end its write pump
	rooms   map[string]struct{}
	waiters []chan struct{}
}

// NewSession creates a session. It does not connect.
func NewSession(opts Options, b *bus.Bus, logger *zap.Logger) *Session {
	if opts.Dial == nil {
		opts.Dial = gorillaDial
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 1
	}
	return &Session{
		opts:    opts,
		bus:     b,
		logger:  logger,
		machine: NewMachine(b),
		rooms:   make(map[string]struct{}),
	}
}

// State returns the current connectivity state.
func (s *Session) State() State {
	return s.machine.Current()
}

// Connect opens the relay connection. Idempotent: calling while
// already connected is a no-op that still releases any pending
// connected-waiters. Fails with ErrAuthMissing when no token is
// available.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.notifyWaitersLocked()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	token, ok := s.opts.Token()
	if !ok || token == "" {
		return ErrAuthMissing
	}

	if err := s.machine.Transition(Connecting); err != nil {
		// Lost a race with another Connect or an automatic reconnect;
		// both leave the session on its way up, so stay idempotent.
		if cur := s.machine.Current(); cur == Connected || cur == Connecting {
			return nil
		}
		return err
	}
	if err := s.dial(ctx, token); err != nil {
		_ = s.machine.Transition(Disconnected)
		return fmt.Errorf("relay: connect: %w", err)
	}
	_ = s.machine.Transition(Connected)
	s.bus.Emit("relay.connected", nil)
	return nil
}

// dial opens the socket and starts its pumps.
func (s *Session) dial(ctx context.Context, token string) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, err := s.opts.Dial(ctx, s.opts.URL, header)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.gen++
	gen := s.gen
	s.send = make(chan []byte, 64)
	s.stop = make(chan struct{})
	s.notifyWaitersLocked()
	s.mu.Unlock()

	connID := uuid.NewString()
	s.logger.Info("relay connected", zap.String("conn_id", connID))

	go s.writePump(conn, s.send, s.stop)
	go s.readPump(conn, gen, connID)
	return nil
}

// Disconnect releases the connection and all room memberships. Safe to
// call when already disconnected; a later Connect starts fresh.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	if conn != nil {
		s.conn = nil
		s.gen++ // orphan the pumps so they do not trigger a reconnect
		close(s.stop)
	}
	s.rooms = make(map[string]struct{})
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if cur := s.machine.Current(); cur != Disconnected {
		_ = s.machine.Transition(Disconnected)
	}
}

// NotifyConnected returns a channel that is closed once the session is
// connected. Already-connected sessions return a closed channel, which
// is how a Connect call while connected still serves late subscribers.
func (s *Session) NotifyConnected() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	if s.conn != nil {
		close(ch)
		return ch
	}
	s.waiters = append(s.waiters, ch)
	return ch
}

func (s *Session) notifyWaitersLocked() {
	for _, ch := range s.waiters {
		close(ch)
	}
	s.waiters = nil
}

// JoinRoom requests server-side membership in a conversation room.
// Fire-and-forget: the acknowledgment arrives later as a relay.joined
// bus event, if at all.
func (s *Session) JoinRoom(conversationID string) {
	s.mu.Lock()
	s.rooms[conversationID] = struct{}{}
	s.mu.Unlock()
	s.Publish(wire.EventJoinConversation, conversationID)
}

// LeaveRoom requests leaving a conversation room.
func (s *Session) LeaveRoom(conversationID string) {
	s.mu.Lock()
	delete(s.rooms, conversationID)
	s.mu.Unlock()
	s.Publish(wire.EventLeaveConversation, conversationID)
}

// Rooms returns the currently requested room memberships.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

// Publish sends one event to the relay. Not connected is not an error:
// the intent is logged and dropped, since UI intents must stay
// responsive and callers never assume delivery without an ack event.
func (s *Session) Publish(event string, payload any) {
	raw, err := wire.Encode(event, payload)
	if err != nil {
		s.logger.Error("encode outbound event", zap.String("event", event), zap.Error(err))
		return
	}

	s.mu.Lock()
	send := s.send
	connected := s.conn != nil
	s.mu.Unlock()

	if !connected {
		s.logger.Warn("publish while transport unavailable, dropped", zap.String("event", event))
		return
	}
	select {
	case send <- raw:
	default:
		s.logger.Warn("outbound queue full, dropped", zap.String("event", event))
	}
}

func (s *Session) writePump(conn Conn, send <-chan []byte, stop <-chan struct{}) {
	for {
		select {
		case raw := <-send:
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.logger.Warn("relay write failed", zap.Error(err))
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *Session) readPump(conn Conn, gen int, connID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			stale := gen != s.gen
			if !stale {
				s.conn = nil
				close(s.stop)
				s.rooms = make(map[string]struct{})
			}
			s.mu.Unlock()
			if stale {
				return // Disconnect or a newer connection already took over
			}
			s.logger.Warn("relay connection lost", zap.String("conn_id", connID), zap.Error(err))
			_ = conn.Close()
			s.bus.Emit("relay.disconnected", nil)
			go s.reconnect()
			return
		}
		s.dispatch(raw)
	}
}

// reconnect retries the connection a bounded number of times with a
// fixed backoff. Room memberships are not replayed here: the session
// only knows that rooms were joined, not why, so the coordinator
// re-issues joins on the relay.reconnected event.
func (s *Session) reconnect() {
	if err := s.machine.Transition(Reconnecting); err != nil {
		return
	}

	for attempt := 1; attempt <= s.opts.ReconnectAttempts; attempt++ {
		time.Sleep(s.opts.ReconnectBackoff)

		token, ok := s.opts.Token()
		if !ok || token == "" {
			s.logger.Warn("reconnect abandoned, no auth token")
			break
		}

		if err := s.machine.Transition(Connecting); err != nil {
			return // Disconnect won the race
		}
		err := s.dial(context.Background(), token)
		if err == nil {
			_ = s.machine.Transition(Connected)
			s.logger.Info("relay reconnected", zap.Int("attempt", attempt))
			s.bus.Emit("relay.reconnected", nil)
			return
		}
		s.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.opts.ReconnectAttempts),
			zap.Error(err))
		if err := s.machine.Transition(Reconnecting); err != nil {
			return
		}
	}

	_ = s.machine.Transition(Disconnected)
	s.bus.Emit("relay.reconnect_failed", nil)
}

// busKinds maps wire events to the bus kind they are republished as.
var busKinds = map[string]string{
	wire.EventJoinedConversation: "relay.joined",
	wire.EventMessageReceived:    "msg.received",
	wire.EventMessageStatus:      "msg.status",
	wire.EventUserStatus:         "presence.status",
	wire.EventUserStatusResponse: "presence.snapshot",
	wire.EventCallIncoming:       "call.incoming",
	wire.EventCallAccept:         "call.accept",
	wire.EventCallReject:         "call.reject",
	wire.EventCallCancel:         "call.cancel",
	wire.EventCallEnd:            "call.end",
	wire.EventCallBusy:           "call.busy",
	wire.EventCallOffer:          "call.offer",
	wire.EventCallAnswer:         "call.answer",
	wire.EventCallICE:            "call.ice",
}

// dispatch decodes one inbound frame and republishes it on the bus.
// Malformed payloads are rejected here, at the transport boundary.
func (s *Session) dispatch(raw []byte) {
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		s.logger.Warn("malformed relay frame", zap.Error(err))
		return
	}

	if activity, start, ok := wire.ParseActivityEvent(env.Event); ok {
		payload, err := wire.DecodePayload(env)
		if err != nil {
			s.logger.Warn("malformed activity signal", zap.String("event", env.Event), zap.Error(err))
			return
		}
		sig := payload.(wire.ActivitySignal)
		s.bus.Emit("presence.activity", wire.ActivityChange{
			ConversationID: sig.ConversationID,
			UserID:         sig.UserID,
			Activity:       activity,
			Start:          start,
		})
		return
	}

	kind, ok := busKinds[env.Event]
	if !ok {
		s.logger.Warn("unexpected relay event", zap.String("event", env.Event))
		return
	}
	payload, err := wire.DecodePayload(env)
	if err != nil {
		s.logger.Warn("malformed relay payload", zap.String("event", env.Event), zap.Error(err))
		return
	}
	s.bus.Emit(kind, payload)
}
