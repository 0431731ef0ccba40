package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/bazarapp/rtc/internal/wire"
)

var validTransitions = map[State][]State{
	StateIdle:      {StateCalling, StateIncoming},
	StateCalling:   {StateConnected, StateEnded},
	StateIncoming:  {StateConnected, StateEnded},
	StateConnected: {StateEnded},
	StateEnded:     {StateIdle},
}

// session is the negotiator's record of the one active call. All fields
// are guarded by the Negotiator mutex.
type session struct {
	id             string
	typ            wire.CallType
	role           Role
	peerUser       string
	conversationID string
	state          State

	pc      peerConn
	release func()

	// remoteSet gates candidate application: ICE arriving before the
	// remote description is queued and flushed once it lands.
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit

	// cancelAcquire aborts an in-flight media acquisition when the call
	// dies before the factory resolves.
	cancelAcquire context.CancelFunc
}

func (s *session) video() bool { return s.typ == wire.CallVideo }

func (s *session) transition(to State) error {
	for _, allowed := range validTransitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("call %s: invalid transition %s -> %s", s.id, s.state, to)
}

// setRemote applies the counterpart's description and drains the
// candidate queue in arrival order.
func (s *session) setRemote(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.remoteSet = true
	for _, cand := range s.pendingICE {
		if err := s.pc.AddICECandidate(cand); err != nil {
			return err
		}
	}
	s.pendingICE = nil
	return nil
}

func (s *session) addICE(cand webrtc.ICECandidateInit) error {
	if !s.remoteSet {
		s.pendingICE = append(s.pendingICE, cand)
		return nil
	}
	return s.pc.AddICECandidate(cand)
}

// teardown releases every resource the session holds. Safe to call on
// a session that never finished setup.
func (s *session) teardown() {
	if s.cancelAcquire != nil {
		s.cancelAcquire()
		s.cancelAcquire = nil
	}
	if s.release != nil {
		s.release()
		s.release = nil
	}
	if s.pc != nil {
		s.pc.Close()
		s.pc = nil
	}
	s.pendingICE = nil
}

func toSDP(desc webrtc.SessionDescription) wire.SDP {
	return wire.SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func fromSDP(s wire.SDP) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(s.Type), SDP: s.SDP}
}

func fromICE(c wire.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func toICE(c *webrtc.ICECandidate) wire.ICECandidate {
	init := c.ToJSON()
	return wire.ICECandidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}
