// Package presence folds raw online/typing/recording/uploading signals
// into one displayable activity per (conversation, user) pair.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bazarapp/rtc/internal/bus"
	"github.com/bazarapp/rtc/internal/wire"
)

// Level is the displayed activity for a user, ordered by precedence:
// recording > uploading > typing > online > offline.
type Level string

const (
	LevelOffline   Level = "offline"
	LevelOnline    Level = "online"
	LevelTyping    Level = "typing"
	LevelUploading Level = "uploading"
	LevelRecording Level = "recording"
)

func rank(l Level) int {
	switch l {
	case LevelRecording:
		return 4
	case LevelUploading:
		return 3
	case LevelTyping:
		return 2
	case LevelOnline:
		return 1
	default:
		return 0
	}
}

func levelOf(a wire.Activity) Level {
	switch a {
	case wire.ActivityRecording:
		return LevelRecording
	case wire.ActivityUploading:
		return LevelUploading
	default:
		return LevelTyping
	}
}

// Update is published on the bus whenever a displayed activity changes.
// ConversationID is empty for pure online/offline changes that are not
// tied to one conversation.
type Update struct {
	ConversationID string
	UserID         string
	Level          Level
}

// Emitter sends events to the relay. Satisfied by *relay.Session.
type Emitter interface {
	Publish(event string, payload any)
}

// Tracker is the presence state machine. All mutation goes through its
// public operations or the bus loop; none of them block.
type Tracker struct {
	self   string
	decay  time.Duration
	emit   Emitter
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	online    map[string]bool
	transient map[string]map[string]map[wire.Activity]*time.Timer // conv -> user -> activity
	cancel    context.CancelFunc
}

// NewTracker creates a presence tracker for the local user self.
// decay is the window after which an unrefreshed transient activity
// reverts on its own.
func NewTracker(self string, decay time.Duration, emit Emitter, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		self:      self,
		decay:     decay,
		emit:      emit,
		bus:       b,
		logger:    logger,
		online:    make(map[string]bool),
		transient: make(map[string]map[string]map[wire.Activity]*time.Timer),
	}
}

// Start subscribes to inbound presence signals on the bus.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe(bus.NSPresence, 256)

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

// Stop stops the bus loop and cancels all decay timers.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for conv := range t.transient {
		t.dropConversationLocked(conv)
	}
}

func (t *Tracker) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "presence.status":
		if st, ok := evt.Payload.(wire.UserStatus); ok {
			t.OnPresenceSignal(st.UserID, st.IsOnline)
		}
	case "presence.snapshot":
		if batch, ok := evt.Payload.([]wire.UserStatus); ok {
			for _, st := range batch {
				t.OnPresenceSignal(st.UserID, st.IsOnline)
			}
		}
	case "presence.activity":
		if ac, ok := evt.Payload.(wire.ActivityChange); ok {
			t.OnActivitySignal(ac.ConversationID, ac.UserID, ac.Activity, ac.Start)
		}
	}
}

// RequestSnapshot asks the relay for the online state of a set of
// users. The result arrives asynchronously as a presence.snapshot bus
// event, not as a return value.
func (t *Tracker) RequestSnapshot(userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	t.logger.Debug("presence snapshot requested", zap.Int("users", len(userIDs)))
	t.emit.Publish(wire.EventUserStatusRequest, userIDs)
}

// Announce publishes the local user's own transient activity to the
// conversation. Own signals never feed back into local state.
func (t *Tracker) Announce(conversationID string, a wire.Activity, start bool) {
	t.emit.Publish(wire.ActivityEvent(a, start), conversationID)
}

// OnPresenceSignal updates a user's online flag and republishes the
// displayed level where no higher-precedence transient activity masks
// it.
func (t *Tracker) OnPresenceSignal(userID string, isOnline bool) {
	if userID == t.self || userID == "" {
		return
	}
	t.mu.Lock()
	prev, known := t.online[userID]
	t.online[userID] = isOnline
	t.mu.Unlock()

	if known && prev == isOnline {
		return
	}
	level := LevelOffline
	if isOnline {
		level = LevelOnline
	}
	t.bus.Emit("activity.updated", Update{UserID: userID, Level: level})

	// Conversations where the user has transient activity recompute too.
	t.mu.Lock()
	var affected []string
	for conv, users := range t.transient {
		if _, ok := users[userID]; ok {
			affected = append(affected, conv)
		}
	}
	t.mu.Unlock()
	for _, conv := range affected {
		t.publishDisplayed(conv, userID)
	}
}

// OnActivitySignal applies a typing/recording/uploading start or stop.
// A start (re)arms the decay timer; a stop for an activity that was
// never started is a no-op, tolerating out-of-order delivery.
func (t *Tracker) OnActivitySignal(conversationID, userID string, a wire.Activity, start bool) {
	if userID == t.self || userID == "" || conversationID == "" {
		return
	}

	t.mu.Lock()
	users := t.transient[conversationID]
	if users == nil {
		if !start {
			t.mu.Unlock()
			return
		}
		users = make(map[string]map[wire.Activity]*time.Timer)
		t.transient[conversationID] = users
	}
	acts := users[userID]
	if acts == nil {
		if !start {
			t.mu.Unlock()
			return
		}
		acts = make(map[wire.Activity]*time.Timer)
		users[userID] = acts
	}

	if !start {
		timer, ok := acts[a]
		if !ok {
			t.mu.Unlock()
			return
		}
		timer.Stop()
		t.clearLocked(conversationID, userID, a)
		t.mu.Unlock()
		t.publishDisplayed(conversationID, userID)
		return
	}

	if timer, ok := acts[a]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(t.decay, func() {
		t.decayFired(conversationID, userID, a, timer)
	})
	acts[a] = timer
	t.mu.Unlock()

	t.publishDisplayed(conversationID, userID)
}

// decayFired is the synthetic stop armed by a start signal. It only
// clears the entry when the firing timer is still the current one, so
// a late decay from before a refresh cannot cancel the refresh.
func (t *Tracker) decayFired(conversationID, userID string, a wire.Activity, own *time.Timer) {
	t.mu.Lock()
	acts := t.transient[conversationID][userID]
	if acts == nil || acts[a] != own {
		t.mu.Unlock()
		return
	}
	t.clearLocked(conversationID, userID, a)
	t.mu.Unlock()
	t.publishDisplayed(conversationID, userID)
}

func (t *Tracker) clearLocked(conversationID, userID string, a wire.Activity) {
	users := t.transient[conversationID]
	if users == nil {
		return
	}
	acts := users[userID]
	if acts == nil {
		return
	}
	delete(acts, a)
	if len(acts) == 0 {
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(t.transient, conversationID)
	}
}

// Displayed returns the current displayed level for a user within a
// conversation: the highest-precedence active signal.
func (t *Tracker) Displayed(conversationID, userID string) Level {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.displayedLocked(conversationID, userID)
}

func (t *Tracker) displayedLocked(conversationID, userID string) Level {
	level := LevelOffline
	if t.online[userID] {
		level = LevelOnline
	}
	if users, ok := t.transient[conversationID]; ok {
		for a := range users[userID] {
			if al := levelOf(a); rank(al) > rank(level) {
				level = al
			}
		}
	}
	return level
}

func (t *Tracker) publishDisplayed(conversationID, userID string) {
	t.mu.Lock()
	level := t.displayedLocked(conversationID, userID)
	t.mu.Unlock()
	t.bus.Emit("activity.updated", Update{
		ConversationID: conversationID,
		UserID:         userID,
		Level:          level,
	})
}

// ForgetConversation drops all transient state for a conversation when
// its view is torn down.
func (t *Tracker) ForgetConversation(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropConversationLocked(conversationID)
}

func (t *Tracker) dropConversationLocked(conversationID string) {
	for _, acts := range t.transient[conversationID] {
		for _, timer := range acts {
			timer.Stop()
		}
	}
	delete(t.transient, conversationID)
}
