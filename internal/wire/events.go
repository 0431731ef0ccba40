// Package wire defines the relay-server event contract: one closed Go
// type per event payload, plus the envelope codec. Everything crossing
// the realtime connection is decoded here; the rest of the process only
// ever sees these types.
package wire

// Event names consumed from and produced to the relay server.
const (
	// Room membership.
	EventJoinConversation   = "join:conversation"
	EventLeaveConversation  = "leave:conversation"
	EventJoinedConversation = "joined:conversation"

	// Message delivery.
	EventMessageReceived  = "message:received"
	EventMessageStatus    = "message:status"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventConversationRead = "conversation:read"

	// Transient activity.
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventRecordingStart = "recording:start"
	EventRecordingStop  = "recording:stop"
	EventUploadingStart = "uploading:start"
	EventUploadingStop  = "uploading:stop"

	// Online presence.
	EventUserStatusRequest  = "user:status:request"
	EventUserStatusResponse = "user:status:response"
	EventUserStatus         = "user:status"

	// Call lifecycle.
	EventCallInitiate = "call:initiate"
	EventCallIncoming = "call:incoming"
	EventCallAccept   = "call:accept"
	EventCallReject   = "call:reject"
	EventCallCancel   = "call:cancel"
	EventCallEnd      = "call:end"
	EventCallBusy     = "call:busy"

	// Call signaling.
	EventCallOffer  = "call:signal:offer"
	EventCallAnswer = "call:signal:answer"
	EventCallICE    = "call:signal:ice"
)

// Status is the delivery state of a message. It only moves forward
// through sent → delivered → read.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank returns the position of s in the sent → delivered → read order.
// Unknown statuses rank below sent so they can never overwrite state.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return -1
	}
}

// Message is one chat message as carried on the realtime channel. The
// same shape arrives from the REST send call; the two sources are
// reconciled by ID.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Body           string `json:"body,omitempty"`
	Status         Status `json:"status"`
	DeliveredAt    int64  `json:"deliveredAt,omitempty"`
	ReadAt         int64  `json:"readAt,omitempty"`
	CreatedAt      int64  `json:"createdAt,omitempty"`
}

// MessageEnvelope wraps an inbound message:received payload.
type MessageEnvelope struct {
	Message Message `json:"message"`
}

// MessageStatus is an inbound message:status payload.
type MessageStatus struct {
	MessageID   string `json:"messageId"`
	Status      Status `json:"status"`
	DeliveredAt int64  `json:"deliveredAt,omitempty"`
	ReadAt      int64  `json:"readAt,omitempty"`
}

// ConversationRef identifies a conversation in joined:conversation.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// ActivitySignal is an inbound typing/recording/uploading start or stop.
// Outbound activity events carry only the conversation ID; the relay
// attaches the sender before fanning out, so inbound signals include it.
type ActivitySignal struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// UserStatus is one user's online state, either as a standalone
// user:status push or as an element of the user:status:response batch.
type UserStatus struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// CallType distinguishes voice from video calls.
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// CallInitiate is the outbound call:initiate intent.
type CallInitiate struct {
	ReceiverID     string   `json:"receiverId"`
	Type           CallType `json:"type"`
	ConversationID string   `json:"conversationId,omitempty"`
}

// CallRecord is the server-assigned call object.
type CallRecord struct {
	ID string `json:"id"`
}

// CallUser identifies the counterpart of a call.
type CallUser struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// CallIncoming is the inbound call:incoming notification.
type CallIncoming struct {
	Call           CallRecord `json:"call"`
	Caller         CallUser   `json:"caller"`
	Type           CallType   `json:"type"`
	ConversationID string     `json:"conversationId,omitempty"`
}

// CallRef identifies a call in accept/reject/cancel/end/busy events.
type CallRef struct {
	CallID string `json:"callId"`
}

// SDP is an SDP offer or answer, kept as plain strings so the wire
// contract does not depend on the peer-connection library.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// CallOffer is a call:signal:offer payload.
type CallOffer struct {
	CallID     string `json:"callId"`
	ReceiverID string `json:"receiverId,omitempty"`
	Offer      SDP    `json:"offer"`
}

// CallAnswer is a call:signal:answer payload.
type CallAnswer struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId,omitempty"`
	Answer   SDP    `json:"answer"`
}

// CallICE is a call:signal:ice payload.
type CallICE struct {
	CallID     string       `json:"callId"`
	ReceiverID string       `json:"receiverId,omitempty"`
	Candidate  ICECandidate `json:"candidate"`
}
