package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bazarapp/rtc/internal/bus"
	"github.com/bazarapp/rtc/internal/coordinator"
	"github.com/bazarapp/rtc/internal/delivery"
	"github.com/bazarapp/rtc/internal/presence"
	"github.com/bazarapp/rtc/internal/relay"
	"github.com/bazarapp/rtc/internal/wire"
)

// memConn is an in-memory relay connection for integration tests.
type memConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newMemConn() *memConn {
	return &memConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *memConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-c.inbound:
		return 1, raw, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *memConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *memConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *memConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := wire.Encode(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	c.inbound <- raw
}

// sentEvents returns the event names of every frame written so far.
func (c *memConn) sentEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var events []string
	for _, raw := range c.written {
		var env wire.Envelope
		if json.Unmarshal(raw, &env) == nil {
			events = append(events, env.Event)
		}
	}
	return events
}

func (c *memConn) waitEvent(t *testing.T, event string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, got := range c.sentEvents() {
			if got == event {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no %s frame sent; frames: %v", event, c.sentEvents())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestRealtimePipeline drives the composed core end to end over an
// in-memory connection: open a conversation, receive a message, see
// the delivery receipt go out, see a typing signal surface, mark the
// conversation read on focus.
func TestRealtimePipeline(t *testing.T) {
	conn := newMemConn()
	dial := func(context.Context, string, http.Header) (relay.Conn, error) {
		return conn, nil
	}

	logger := zap.NewNop()
	b := bus.New()
	sess := relay.NewSession(relay.Options{
		URL:               "ws://relay.test",
		Token:             func() (string, bool) { return "token", true },
		ReconnectAttempts: 1,
		ReconnectBackoff:  time.Millisecond,
		Dial:              dial,
	}, b, logger)

	pres := presence.NewTracker("me", 50*time.Millisecond, sess, b, logger)
	del := delivery.NewTracker("me", sess, b, logger)
	coord := coordinator.New(sess, pres, del, b, logger)

	pres.Start(t.Context())
	defer pres.Stop()
	del.Start(t.Context())
	defer del.Stop()
	coord.Start(t.Context())
	defer coord.Stop()

	if err := sess.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()

	deliveries, unsub := b.Subscribe(bus.NSDelivery, 16)
	defer unsub()

	coord.OpenConversation("c1", []string{"alice"})
	conn.waitEvent(t, wire.EventJoinConversation)
	conn.waitEvent(t, wire.EventUserStatusRequest)

	conn.push(t, wire.EventMessageReceived, wire.MessageEnvelope{Message: wire.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "alice",
		ReceiverID:     "me",
		Body:           "is the bike still available?",
		Status:         wire.StatusSent,
	}})

	select {
	case evt := <-deliveries:
		upd := evt.Payload.(delivery.Update)
		if upd.MessageID != "m1" || upd.Status != wire.StatusDelivered {
			t.Fatalf("unexpected delivery update: %+v", upd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery update for inbound message")
	}
	conn.waitEvent(t, wire.EventMessageDelivered)

	conn.push(t, wire.EventTypingStart, wire.ActivitySignal{ConversationID: "c1", UserID: "alice"})
	deadline := time.After(2 * time.Second)
	for pres.Displayed("c1", "alice") != presence.LevelTyping {
		select {
		case <-deadline:
			t.Fatalf("typing never displayed, got %s", pres.Displayed("c1", "alice"))
		case <-time.After(5 * time.Millisecond):
		}
	}

	coord.FocusConversation("c1")
	conn.waitEvent(t, wire.EventMessageRead)
	conn.waitEvent(t, wire.EventConversationRead)
}
