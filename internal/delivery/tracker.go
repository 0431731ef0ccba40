// Package delivery maintains per-message status progression. A message
// only ever moves forward through sent → delivered → read, no matter
// what order status events arrive in, and every transition is
// idempotent.
package delivery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bazarapp/rtc/internal/bus"
	"github.com/bazarapp/rtc/internal/wire"
)

// Emitter sends events to the relay. Satisfied by *relay.Session.
type Emitter interface {
	Publish(event string, payload any)
}

// Update is published on the bus for every effective status change.
type Update struct {
	MessageID      string
	ConversationID string
	Status         wire.Status
}

// Tracker reconciles messages from the realtime channel and the REST
// send path by ID and tracks their delivery state.
type Tracker struct {
	self   string
	emit   Emitter
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	msgs   map[string]*wire.Message
	byConv map[string][]string
	cancel context.CancelFunc
}

// NewTracker creates a delivery tracker for the local user self.
func NewTracker(self string, emit Emitter, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		self:   self,
		emit:   emit,
		bus:    b,
		logger: logger,
		msgs:   make(map[string]*wire.Message),
		byConv: make(map[string][]string),
	}
}

// Start subscribes to inbound message events on the bus.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe(bus.NSMessage, 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				t.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the bus loop.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Tracker) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "msg.received":
		if msg, ok := evt.Payload.(wire.Message); ok {
			t.OnMessageArrived(msg)
		}
	case "msg.status":
		if st, ok := evt.Payload.(wire.MessageStatus); ok {
			t.ApplyRemoteStatus(st.MessageID, st.Status, statusTime(st))
		}
	}
}

func statusTime(st wire.MessageStatus) int64 {
	if st.Status == wire.StatusRead && st.ReadAt != 0 {
		return st.ReadAt
	}
	if st.DeliveredAt != 0 {
		return st.DeliveredAt
	}
	return time.Now().UnixMilli()
}

// OnMessageArrived registers a message, deduplicating by ID. Messages
// from a counterpart are acknowledged as delivered immediately — the
// device has them — but never as read; that needs an explicit viewing
// signal or read receipts would leak.
func (t *Tracker) OnMessageArrived(msg wire.Message) {
	t.mu.Lock()
	if _, known := t.msgs[msg.ID]; known {
		t.mu.Unlock()
		return
	}
	m := msg
	if m.Status.Rank() < 0 {
		m.Status = wire.StatusSent
	}
	t.msgs[m.ID] = &m
	t.byConv[m.ConversationID] = append(t.byConv[m.ConversationID], m.ID)

	inbound := m.SenderID != t.self
	var changed bool
	if inbound && m.Status.Rank() < wire.StatusDelivered.Rank() {
		m.Status = wire.StatusDelivered
		m.DeliveredAt = time.Now().UnixMilli()
		changed = true
	}
	update := Update{MessageID: m.ID, ConversationID: m.ConversationID, Status: m.Status}
	t.mu.Unlock()

	if inbound {
		t.emit.Publish(wire.EventMessageDelivered, msg.ID)
	}
	if changed {
		t.bus.Emit("delivery.updated", update)
	}
}

// MarkRead transitions every message in the conversation addressed to
// the local user to read, emitting one read receipt per message plus a
// conversation-level receipt. Local state is updated optimistically;
// the emission still happens so the counterpart learns about it.
// Applying it twice is the same as applying it once.
func (t *Tracker) MarkRead(conversationID string) {
	now := time.Now().UnixMilli()

	t.mu.Lock()
	var updates []Update
	for _, id := range t.byConv[conversationID] {
		m := t.msgs[id]
		if m.SenderID == t.self || m.Status == wire.StatusRead {
			continue
		}
		m.Status = wire.StatusRead
		m.ReadAt = now
		updates = append(updates, Update{MessageID: id, ConversationID: conversationID, Status: wire.StatusRead})
	}
	t.mu.Unlock()

	if len(updates) == 0 {
		return
	}
	for _, u := range updates {
		t.emit.Publish(wire.EventMessageRead, u.MessageID)
		t.bus.Emit("delivery.updated", u)
	}
	t.emit.Publish(wire.EventConversationRead, conversationID)
}

// ApplyRemoteStatus applies a counterpart status event. Transitions
// that are not strictly later in the sent → delivered → read order are
// dropped, not reordered: a delivered arriving after read is stale.
func (t *Tracker) ApplyRemoteStatus(messageID string, status wire.Status, at int64) {
	t.mu.Lock()
	m, ok := t.msgs[messageID]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug("status for unknown message dropped", zap.String("message_id", messageID))
		return
	}
	if status.Rank() <= m.Status.Rank() {
		t.mu.Unlock()
		t.logger.Debug("stale status dropped",
			zap.String("message_id", messageID),
			zap.String("have", string(m.Status)),
			zap.String("got", string(status)))
		return
	}
	m.Status = status
	switch status {
	case wire.StatusDelivered:
		m.DeliveredAt = at
	case wire.StatusRead:
		m.ReadAt = at
		if m.DeliveredAt == 0 {
			m.DeliveredAt = at
		}
	}
	update := Update{MessageID: messageID, ConversationID: m.ConversationID, Status: status}
	t.mu.Unlock()

	t.bus.Emit("delivery.updated", update)
}

// Message returns a copy of the tracked message, if known.
func (t *Tracker) Message(id string) (wire.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.msgs[id]
	if !ok {
		return wire.Message{}, false
	}
	return *m, true
}

// Messages returns copies of the tracked messages of a conversation in
// arrival order.
func (t *Tracker) Messages(conversationID string) []wire.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.byConv[conversationID]
	out := make([]wire.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *t.msgs[id])
	}
	return out
}
