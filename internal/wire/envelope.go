package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is the outer frame of every realtime message. Data is held
// raw until the event name selects a concrete payload type; note that
// some outbound events carry a bare JSON string (a conversation or
// message ID) rather than an object.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode frames an outbound event with its payload.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = raw
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// DecodeEnvelope parses the outer frame of a raw inbound message.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("decode envelope: missing event name")
	}
	return &env, nil
}

// DecodePayload converts an inbound envelope's data into the closed
// payload type for its event name. Unknown events and malformed
// payloads are rejected here so nothing downstream ever sees raw wire
// bytes.
func DecodePayload(env *Envelope) (any, error) {
	switch env.Event {
	case EventJoinedConversation:
		return decodeAs[ConversationRef](env)
	case EventMessageReceived:
		wrapped, err := decodeAs[MessageEnvelope](env)
		if err != nil {
			return nil, err
		}
		if wrapped.Message.ID == "" {
			return nil, fmt.Errorf("%s: message without id", env.Event)
		}
		return wrapped.Message, nil
	case EventMessageStatus:
		ms, err := decodeAs[MessageStatus](env)
		if err != nil {
			return nil, err
		}
		if ms.MessageID == "" || ms.Status.Rank() < 0 {
			return nil, fmt.Errorf("%s: invalid payload", env.Event)
		}
		return ms, nil
	case EventTypingStart, EventTypingStop,
		EventRecordingStart, EventRecordingStop,
		EventUploadingStart, EventUploadingStop:
		return decodeAs[ActivitySignal](env)
	case EventUserStatus:
		return decodeAs[UserStatus](env)
	case EventUserStatusResponse:
		var batch []UserStatus
		if err := json.Unmarshal(env.Data, &batch); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return batch, nil
	case EventCallIncoming:
		ci, err := decodeAs[CallIncoming](env)
		if err != nil {
			return nil, err
		}
		if ci.Call.ID == "" {
			return nil, fmt.Errorf("%s: call without id", env.Event)
		}
		return ci, nil
	case EventCallAccept, EventCallReject, EventCallCancel,
		EventCallEnd, EventCallBusy:
		return decodeAs[CallRef](env)
	case EventCallOffer:
		return decodeAs[CallOffer](env)
	case EventCallAnswer:
		return decodeAs[CallAnswer](env)
	case EventCallICE:
		return decodeAs[CallICE](env)
	default:
		return nil, fmt.Errorf("unknown event %q", env.Event)
	}
}

func decodeAs[T any](env *Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, fmt.Errorf("decode %s: empty payload", env.Event)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return v, nil
}
