package presence

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bazarapp/rtc/internal/bus"
	"github.com/bazarapp/rtc/internal/wire"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (e *recordingEmitter) Publish(event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	e.data = append(e.data, payload)
}

func (e *recordingEmitter) count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, got := range e.events {
		if got == event {
			n++
		}
	}
	return n
}

func newTestTracker(decay time.Duration) (*Tracker, *recordingEmitter, *bus.Bus) {
	emit := &recordingEmitter{}
	b := bus.New()
	return NewTracker("u1", decay, emit, b, zap.NewNop()), emit, b
}

func TestPrecedenceOrder(t *testing.T) {
	tr, _, _ := newTestTracker(time.Minute)

	tr.OnPresenceSignal("u2", true)
	if got := tr.Displayed("c1", "u2"); got != LevelOnline {
		t.Fatalf("Displayed = %s, want online", got)
	}

	tr.OnActivitySignal("c1", "u2", wire.ActivityTyping, true)
	if got := tr.Displayed("c1", "u2"); got != LevelTyping {
		t.Fatalf("Displayed = %s, want typing", got)
	}

	tr.OnActivitySignal("c1", "u2", wire.ActivityUploading, true)
	if got := tr.Displayed("c1", "u2"); got != LevelUploading {
		t.Fatalf("Displayed = %s, want uploading", got)
	}

	tr.OnActivitySignal("c1", "u2", wire.ActivityRecording, true)
	if got := tr.Displayed("c1", "u2"); got != LevelRecording {
		t.Fatalf("Displayed = %s, want recording", got)
	}

	// Dropping the highest falls back to the next in precedence.
	tr.OnActivitySignal("c1", "u2", wire.ActivityRecording, false)
	if got := tr.Displayed("c1", "u2"); got != LevelUploading {
		t.Fatalf("Displayed = %s, want uploading", got)
	}
	tr.OnActivitySignal("c1", "u2", wire.ActivityUploading, false)
	tr.OnActivitySignal("c1", "u2", wire.ActivityTyping, false)
	if got := tr.Displayed("c1", "u2"); got != LevelOnline {
		t.Fatalf("Displayed = %s, want online", got)
	}
}

func TestTypingDecays(t *testing.T) {
	tr, _, _ := newTestTracker(30 * time.Millisecond)

	tr.OnPresenceSignal("u2", true)
	tr.OnActivitySignal("c1", "u2", wire.ActivityTyping, true)
	if got := tr.Displayed("c1", "u2"); got != LevelTyping {
		t.Fatalf("Displayed = %s, want typing", got)
	}

	deadline := time.Now().Add(time.Second)
	for tr.Displayed("c1", "u2") != LevelOnline {
		if time.Now().After(deadline) {
			t.Fatal("typing never decayed to online")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartRearmsDecay(t *testing.T) {
	tr, _, _ := newTestTracker(60 * time.Millisecond)

	tr.OnActivitySignal("c1", "u2", wire.ActivityTyping, true)
	time.Sleep(40 * time.Millisecond)
	tr.OnActivitySignal("c1", "u2", wire.ActivityTyping, true) // refresh

	time.Sleep(40 * time.Millisecond) // past the first timer's window
	if got := tr.Displayed("c1", "u2"); got != LevelTyping {
		t.Fatalf("Displayed = %s, want typing (refresh must re-arm)", got)
	}
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	tr, _, b := newTestTracker(time.Minute)
	ch, unsub := b.Subscribe(bus.NSActivity, 10)
	defer unsub()

	tr.OnActivitySignal("c1", "u2", wire.ActivityTyping, false)

	select {
	case evt := <-ch:
		t.Errorf("unexpected update: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
	if got := tr.Displayed("c1", "u2"); got != LevelOffline {
		t.Errorf("Displayed = %s, want offline", got)
	}
}

func TestSelfSignalsExcluded(t *testing.T) {
	tr, _, _ := newTestTracker(time.Minute)

	tr.OnPresenceSignal("u1", true)
	tr.OnActivitySignal("c1", "u1", wire.ActivityTyping, true)

	if got := tr.Displayed("c1", "u1"); got != LevelOffline {
		t.Errorf("own signals must not be reflected back, got %s", got)
	}
}

func TestSnapshotRequestAndResponse(t *testing.T) {
	tr, emit, b := newTestTracker(time.Minute)
	tr.Start(t.Context())
	defer tr.Stop()

	tr.RequestSnapshot([]string{"u2", "u3"})
	if emit.count(wire.EventUserStatusRequest) != 1 {
		t.Fatal("expected a user:status:request publish")
	}

	b.Emit("presence.snapshot", []wire.UserStatus{
		{UserID: "u2", IsOnline: true},
		{UserID: "u3", IsOnline: false},
	})

	deadline := time.Now().Add(time.Second)
	for tr.Displayed("", "u2") != LevelOnline {
		if time.Now().After(deadline) {
			t.Fatal("snapshot never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := tr.Displayed("", "u3"); got != LevelOffline {
		t.Errorf("u3 = %s, want offline", got)
	}
}

func TestAnnouncePublishesWireEvent(t *testing.T) {
	tr, emit, _ := newTestTracker(time.Minute)

	tr.Announce("c1", wire.ActivityRecording, true)
	tr.Announce("c1", wire.ActivityRecording, false)

	if emit.count(wire.EventRecordingStart) != 1 || emit.count(wire.EventRecordingStop) != 1 {
		t.Errorf("events = %v", emit.events)
	}
}

func TestForgetConversation(t *testing.T) {
	tr, _, _ := newTestTracker(time.Minute)

	tr.OnPresenceSignal("u2", true)
	tr.OnActivitySignal("c1", "u2", wire.ActivityTyping, true)
	tr.ForgetConversation("c1")

	if got := tr.Displayed("c1", "u2"); got != LevelOnline {
		t.Errorf("Displayed = %s, want online after teardown", got)
	}
}
