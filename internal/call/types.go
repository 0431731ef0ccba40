// Package call negotiates peer-to-peer audio/video sessions over the
// relay. It owns at most one active CallSession per device and is the
// only place local media, remote media and the peer connection live.
package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrMediaUnavailable means local camera/mic acquisition failed. It is
// one of the few conditions surfaced to the UI; the user gets a
// permission prompt or retry affordance.
var ErrMediaUnavailable = errors.New("call: media unavailable")

// ErrBusy means another negotiation is already active on this device.
var ErrBusy = errors.New("call: another call is active")

// ErrUnknownCall means the operation referenced a call the negotiator
// no longer tracks.
var ErrUnknownCall = errors.New("call: unknown call id")

// Signaler sends call events to the relay. Satisfied by *relay.Session.
type Signaler interface {
	Publish(event string, payload any)
}

// Role is the local side of a call.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// State is the lifecycle state of a call session.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// peerConn is the slice of *webrtc.PeerConnection the negotiator uses;
// the pion type satisfies it directly and tests substitute a fake.
type peerConn interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// PeerFactory acquires local media and builds a peer connection for a
// call. It is the only suspension point in the package: acquisition can
// take arbitrarily long (permission prompts, busy devices) and must
// honor ctx cancellation. release frees the captured local tracks.
type PeerFactory func(ctx context.Context, video bool) (pc peerConn, release func(), err error)

// Event is published on the bus for every call state change.
type Event struct {
	CallID         string
	State          State
	Role           Role
	Type           string
	PeerUser       string
	ConversationID string
	Reason         string
}

// TrackEvent is published when a remote media track attaches.
type TrackEvent struct {
	CallID string
	Kind   string
}
