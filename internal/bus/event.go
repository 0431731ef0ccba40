package bus

import "time"

// Event is one item on the merged realtime event stream.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Kind namespaces used across the process. Components publish under
// their own prefix and subscribe to the prefixes they consume; the UI
// layer subscribes to "" and receives the merged stream.
//
//	relay.     connection lifecycle (connected, reconnected, joined)
//	msg.       inbound message/status events from the relay
//	presence.  inbound presence/activity signals from the relay
//	call.      inbound call lifecycle and signaling events
//	delivery.  delivery tracker output (status changes)
//	activity.  presence tracker output (displayed activity changes)
//	session.   call negotiator output (call state, remote tracks)
const (
	NSRelay    = "relay."
	NSMessage  = "msg."
	NSPresence = "presence."
	NSCall     = "call."
	NSDelivery = "delivery."
	NSActivity = "activity."
	NSSession  = "session."
)
