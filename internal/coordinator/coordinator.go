// Package coordinator ties the realtime components together behind one
// facade for the UI layer. It owns conversation focus: which rooms are
// held, whose presence is watched, and what gets replayed after the
// relay reconnects.
package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/bazarapp/rtc/internal/bus"
)

// Rooms is the relay surface the coordinator drives.
type Rooms interface {
	JoinRoom(conversationID string)
	LeaveRoom(conversationID string)
}

// Presence is the watch surface of the presence tracker.
type Presence interface {
	RequestSnapshot(userIDs []string)
	ForgetConversation(conversationID string)
}

// Deliveries is the read-receipt surface of the delivery tracker.
type Deliveries interface {
	MarkRead(conversationID string)
}

// Coordinator tracks open conversations and their participants. The
// relay forgets room membership when a connection dies, so the
// coordinator is the component that knows what to rebuild: on every
// relay.reconnected event it replays each open conversation's join and
// re-requests its presence snapshot, once per reconnect.
type Coordinator struct {
	rooms    Rooms
	presence Presence
	delivery Deliveries
	bus      *bus.Bus
	logger   *zap.Logger

	mu     sync.Mutex
	open   map[string][]string // conversation id -> watched participants
	cancel context.CancelFunc
}

func New(rooms Rooms, presence Presence, delivery Deliveries, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		rooms:    rooms,
		presence: presence,
		delivery: delivery,
		bus:      b,
		logger:   logger.Named("coordinator"),
		open:     make(map[string][]string),
	}
}

// Start watches relay lifecycle events until ctx is canceled.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe(bus.NSRelay, 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if evt.Kind == "relay.reconnected" {
					c.replay()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// OpenConversation joins the conversation's room and starts watching
// the given participants' presence. Reopening an already open
// conversation refreshes the participant list and the snapshot.
func (c *Coordinator) OpenConversation(conversationID string, participants []string) {
	c.mu.Lock()
	c.open[conversationID] = append([]string(nil), participants...)
	c.mu.Unlock()

	c.rooms.JoinRoom(conversationID)
	if len(participants) > 0 {
		c.presence.RequestSnapshot(participants)
	}
	c.logger.Debug("conversation opened",
		zap.String("conversation_id", conversationID),
		zap.Int("participants", len(participants)))
}

// CloseConversation leaves the room and drops the conversation's
// presence state. Closing an unopened conversation is a no-op.
func (c *Coordinator) CloseConversation(conversationID string) {
	c.mu.Lock()
	_, wasOpen := c.open[conversationID]
	delete(c.open, conversationID)
	c.mu.Unlock()
	if !wasOpen {
		return
	}

	c.rooms.LeaveRoom(conversationID)
	c.presence.ForgetConversation(conversationID)
	c.logger.Debug("conversation closed", zap.String("conversation_id", conversationID))
}

// FocusConversation marks the conversation read and refreshes its
// participants' presence. Called when the conversation view becomes
// visible, and again whenever new messages arrive while it stays
// visible.
func (c *Coordinator) FocusConversation(conversationID string) {
	c.delivery.MarkRead(conversationID)

	c.mu.Lock()
	participants := c.open[conversationID]
	c.mu.Unlock()
	if len(participants) > 0 {
		c.presence.RequestSnapshot(participants)
	}
}

// Open returns the ids of all open conversations.
func (c *Coordinator) Open() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.open))
	for id := range c.open {
		out = append(out, id)
	}
	return out
}

// Events exposes the bus to the UI layer without handing out the bus
// itself.
func (c *Coordinator) Events(namespace string, bufSize int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe(namespace, bufSize)
}

func (c *Coordinator) replay() {
	c.mu.Lock()
	snapshot := make(map[string][]string, len(c.open))
	for id, participants := range c.open {
		snapshot[id] = participants
	}
	c.mu.Unlock()

	for id, participants := range snapshot {
		c.rooms.JoinRoom(id)
		if len(participants) > 0 {
			c.presence.RequestSnapshot(participants)
		}
	}
	c.logger.Info("replayed conversation state after reconnect",
		zap.Int("conversations", len(snapshot)))
}
