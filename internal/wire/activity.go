package wire

// Activity is a transient per-conversation activity kind.
type Activity string

const (
	ActivityTyping    Activity = "typing"
	ActivityRecording Activity = "recording"
	ActivityUploading Activity = "uploading"
)

// ActivityEvent returns the wire event name for an activity signal.
func ActivityEvent(a Activity, start bool) string {
	phase := "stop"
	if start {
		phase = "start"
	}
	return string(a) + ":" + phase
}

// ParseActivityEvent splits a typing/recording/uploading wire event
// name into its activity kind and phase. ok is false for any other
// event name.
func ParseActivityEvent(event string) (a Activity, start bool, ok bool) {
	switch event {
	case EventTypingStart:
		return ActivityTyping, true, true
	case EventTypingStop:
		return ActivityTyping, false, true
	case EventRecordingStart:
		return ActivityRecording, true, true
	case EventRecordingStop:
		return ActivityRecording, false, true
	case EventUploadingStart:
		return ActivityUploading, true, true
	case EventUploadingStop:
		return ActivityUploading, false, true
	default:
		return "", false, false
	}
}

// ActivityChange is the bus payload for an inbound activity signal.
type ActivityChange struct {
	ConversationID string
	UserID         string
	Activity       Activity
	Start          bool
}
