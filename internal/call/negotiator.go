package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/bazarapp/rtc/internal/bus"
	"github.com/bazarapp/rtc/internal/wire"
)

// Negotiator drives call setup and teardown. One call at a time: a
// second incoming call while any session exists gets an automatic busy
// reply, and Initiate returns ErrBusy.
type Negotiator struct {
	self    string
	sig     Signaler
	bus     *bus.Bus
	logger  *zap.Logger
	factory PeerFactory

	mu     sync.Mutex
	active *session

	cancel context.CancelFunc
}

func NewNegotiator(self string, sig Signaler, b *bus.Bus, factory PeerFactory, logger *zap.Logger) *Negotiator {
	return &Negotiator{
		self:    self,
		sig:     sig,
		bus:     b,
		logger:  logger.Named("call"),
		factory: factory,
	}
}

// Start consumes relay call events until ctx is canceled.
func (n *Negotiator) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	ch, unsub := n.bus.Subscribe(bus.NSCall, 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				n.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends any active call and halts the event loop.
func (n *Negotiator) Stop() {
	n.mu.Lock()
	if s := n.active; s != nil {
		if s.state == StateConnected {
			n.sig.Publish(wire.EventCallEnd, wire.CallRef{CallID: s.id})
		}
		n.finishLocked(s, "shutdown")
	}
	n.mu.Unlock()
	if n.cancel != nil {
		n.cancel()
	}
}

// ActiveCall returns the current call's id and state, or ("", StateIdle).
func (n *Negotiator) ActiveCall() (string, State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active == nil {
		return "", StateIdle
	}
	return n.active.id, n.active.state
}

// Initiate places an outgoing call to user. It blocks while local media
// is acquired; canceling ctx (or the call, via Cancel) aborts the
// acquisition and releases anything already captured. The returned id
// is provisional until the counterpart accepts and the server-assigned
// id is adopted.
func (n *Negotiator) Initiate(ctx context.Context, user string, typ wire.CallType, conversationID string) (string, error) {
	acquireCtx, cancelAcquire := context.WithCancel(ctx)

	n.mu.Lock()
	if n.active != nil {
		n.mu.Unlock()
		cancelAcquire()
		return "", ErrBusy
	}
	s := &session{
		id:             uuid.NewString(),
		typ:            typ,
		role:           RoleCaller,
		peerUser:       user,
		conversationID: conversationID,
		state:          StateCalling,
		cancelAcquire:  cancelAcquire,
	}
	n.active = s
	n.mu.Unlock()

	pc, release, err := n.factory(acquireCtx, s.video())

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active != s || s.state != StateCalling {
		// Call was canceled or torn down while media was pending.
		if release != nil {
			release()
		}
		if pc != nil {
			pc.Close()
		}
		if err == nil {
			err = acquireCtx.Err()
		}
		return "", err
	}
	if err != nil {
		n.finishLocked(s, "media unavailable")
		return "", fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	s.cancelAcquire = nil
	s.pc = pc
	s.release = release
	n.wirePeerLocked(s)

	n.sig.Publish(wire.EventCallInitiate, wire.CallInitiate{
		ReceiverID:     user,
		Type:           typ,
		ConversationID: conversationID,
	})
	n.emitLocked(s, "")
	n.logger.Info("call initiated",
		zap.String("call_id", s.id),
		zap.String("user", user),
		zap.String("type", string(typ)))
	return s.id, nil
}

// Accept answers the active incoming call. Media acquisition failure
// declines the call so the caller is not left ringing.
func (n *Negotiator) Accept(ctx context.Context) error {
	acquireCtx, cancelAcquire := context.WithCancel(ctx)

	n.mu.Lock()
	s := n.active
	if s == nil || s.state != StateIncoming {
		n.mu.Unlock()
		cancelAcquire()
		return ErrUnknownCall
	}
	s.cancelAcquire = cancelAcquire
	n.mu.Unlock()

	pc, release, err := n.factory(acquireCtx, s.video())

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active != s || s.state != StateIncoming {
		if release != nil {
			release()
		}
		if pc != nil {
			pc.Close()
		}
		return ErrUnknownCall
	}
	if err != nil {
		n.sig.Publish(wire.EventCallReject, wire.CallRef{CallID: s.id})
		n.finishLocked(s, "media unavailable")
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	s.cancelAcquire = nil
	s.pc = pc
	s.release = release
	n.wirePeerLocked(s)

	n.sig.Publish(wire.EventCallAccept, wire.CallRef{CallID: s.id})
	if err := s.transition(StateConnected); err != nil {
		n.finishLocked(s, err.Error())
		return err
	}
	n.emitLocked(s, "")
	n.logger.Info("call accepted", zap.String("call_id", s.id))
	return nil
}

// Reject declines the active incoming call.
func (n *Negotiator) Reject() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.active
	if s == nil || s.state != StateIncoming {
		return ErrUnknownCall
	}
	n.sig.Publish(wire.EventCallReject, wire.CallRef{CallID: s.id})
	n.finishLocked(s, "rejected")
	return nil
}

// Cancel withdraws an outgoing call before it connects. A no-op when
// no such call exists, so the UI can call it unconditionally.
func (n *Negotiator) Cancel() {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.active
	if s == nil || s.state != StateCalling {
		return
	}
	n.sig.Publish(wire.EventCallCancel, wire.CallRef{CallID: s.id})
	n.finishLocked(s, "canceled")
	n.logger.Info("call canceled", zap.String("call_id", s.id))
}

// End hangs up the connected call. Idempotent.
func (n *Negotiator) End() {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.active
	if s == nil || s.state != StateConnected {
		return
	}
	n.sig.Publish(wire.EventCallEnd, wire.CallRef{CallID: s.id})
	n.finishLocked(s, "ended")
	n.logger.Info("call ended", zap.String("call_id", s.id))
}

func (n *Negotiator) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "call.incoming":
		if ci, ok := evt.Payload.(wire.CallIncoming); ok {
			n.onIncoming(ci)
		}
	case "call.accept":
		if ref, ok := evt.Payload.(wire.CallRef); ok {
			n.onAccepted(ref)
		}
	case "call.reject":
		if ref, ok := evt.Payload.(wire.CallRef); ok {
			n.onRemoteFinished(ref, StateCalling, "rejected")
		}
	case "call.busy":
		if ref, ok := evt.Payload.(wire.CallRef); ok {
			n.onRemoteFinished(ref, StateCalling, "busy")
		}
	case "call.cancel":
		if ref, ok := evt.Payload.(wire.CallRef); ok {
			n.onRemoteFinished(ref, StateIncoming, "canceled by caller")
		}
	case "call.end":
		if ref, ok := evt.Payload.(wire.CallRef); ok {
			n.onRemoteFinished(ref, StateConnected, "ended by peer")
		}
	case "call.offer":
		if offer, ok := evt.Payload.(wire.CallOffer); ok {
			n.onOffer(offer)
		}
	case "call.answer":
		if ans, ok := evt.Payload.(wire.CallAnswer); ok {
			n.onAnswer(ans)
		}
	case "call.ice":
		if ice, ok := evt.Payload.(wire.CallICE); ok {
			n.onICE(ice)
		}
	}
}

func (n *Negotiator) onIncoming(ci wire.CallIncoming) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active != nil {
		n.sig.Publish(wire.EventCallBusy, wire.CallRef{CallID: ci.Call.ID})
		n.logger.Info("busy reply to incoming call", zap.String("call_id", ci.Call.ID))
		return
	}
	// No media yet: capture starts only if the user accepts.
	s := &session{
		id:             ci.Call.ID,
		typ:            ci.Type,
		role:           RoleReceiver,
		peerUser:       ci.Caller.ID,
		conversationID: ci.ConversationID,
		state:          StateIncoming,
	}
	n.active = s
	n.emitLocked(s, "")
	n.logger.Info("incoming call",
		zap.String("call_id", s.id),
		zap.String("caller", ci.Caller.ID),
		zap.String("type", string(ci.Type)))
}

// onAccepted runs on the caller when the counterpart picks up. The
// server-assigned call id arrives here and replaces the provisional
// one; only then is the offer created, so it always carries an id the
// receiver recognizes.
func (n *Negotiator) onAccepted(ref wire.CallRef) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.active
	if s == nil || s.role != RoleCaller || s.state != StateCalling {
		n.logger.Debug("accept for unknown call", zap.String("call_id", ref.CallID))
		return
	}
	s.id = ref.CallID

	offer, err := s.pc.CreateOffer(nil)
	if err == nil {
		err = s.pc.SetLocalDescription(offer)
	}
	if err != nil {
		n.logger.Error("offer creation failed", zap.String("call_id", s.id), zap.Error(err))
		n.sig.Publish(wire.EventCallEnd, wire.CallRef{CallID: s.id})
		n.finishLocked(s, "offer failed")
		return
	}
	n.sig.Publish(wire.EventCallOffer, wire.CallOffer{
		CallID:     s.id,
		ReceiverID: s.peerUser,
		Offer:      toSDP(offer),
	})

	if err := s.transition(StateConnected); err != nil {
		n.finishLocked(s, err.Error())
		return
	}
	n.emitLocked(s, "")
	n.logger.Info("call connected", zap.String("call_id", s.id))
}

// onRemoteFinished handles the counterpart ending the call in any of
// its pre- or post-connect forms. want is the state the notice is
// valid from; a caller-side reject/busy may also arrive before the
// provisional id was replaced, so the id match is waived there.
func (n *Negotiator) onRemoteFinished(ref wire.CallRef, want State, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.active
	if s == nil || s.state != want {
		n.logger.Debug("finish for unknown call",
			zap.String("call_id", ref.CallID), zap.String("reason", reason))
		return
	}
	if s.id != ref.CallID && !(s.role == RoleCaller && s.state == StateCalling) {
		return
	}
	n.finishLocked(s, reason)
	n.logger.Info("call finished remotely",
		zap.String("call_id", s.id), zap.String("reason", reason))
}

// onOffer runs on the receiver after accepting: apply the caller's
// description, drain queued candidates, answer.
func (n *Negotiator) onOffer(offer wire.CallOffer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.active
	if s == nil || s.id != offer.CallID || s.role != RoleReceiver || s.state != StateConnected {
		n.logger.Debug("offer for unknown call", zap.String("call_id", offer.CallID))
		return
	}
	if err := s.setRemote(fromSDP(offer.Offer)); err != nil {
		n.failLocked(s, "apply offer", err)
		return
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err == nil {
		err = s.pc.SetLocalDescription(answer)
	}
	if err != nil {
		n.failLocked(s, "create answer", err)
		return
	}
	n.sig.Publish(wire.EventCallAnswer, wire.CallAnswer{
		CallID:   s.id,
		CallerID: s.peerUser,
		Answer:   toSDP(answer),
	})
}

func (n *Negotiator) onAnswer(ans wire.CallAnswer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.active
	if s == nil || s.id != ans.CallID || s.role != RoleCaller || s.state != StateConnected {
		n.logger.Debug("answer for unknown call", zap.String("call_id", ans.CallID))
		return
	}
	if err := s.setRemote(fromSDP(ans.Answer)); err != nil {
		n.failLocked(s, "apply answer", err)
	}
}

// onICE applies a trickled candidate, queueing it when the remote
// description has not landed yet. Candidates for unknown or already
// ended calls are dropped without complaint: trickle ICE races call
// teardown routinely.
func (n *Negotiator) onICE(ice wire.CallICE) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.active
	if s == nil || s.id != ice.CallID || s.pc == nil {
		return
	}
	if err := s.addICE(fromICE(ice.Candidate)); err != nil {
		n.logger.Warn("ice candidate rejected",
			zap.String("call_id", s.id), zap.Error(err))
	}
}

// wirePeerLocked attaches the peer connection callbacks. They fire on
// pion goroutines and re-enter the negotiator through the public
// surface, never holding n.mu across the hop.
func (n *Negotiator) wirePeerLocked(s *session) {
	id := s.id
	peer := s.peerUser
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		n.mu.Lock()
		callID := id
		if n.active == s {
			callID = s.id // may have been replaced by the server id
		}
		n.mu.Unlock()
		n.sig.Publish(wire.EventCallICE, wire.CallICE{
			CallID:     callID,
			ReceiverID: peer,
			Candidate:  toICE(c),
		})
	})
	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.mu.Lock()
		callID := s.id
		n.mu.Unlock()
		n.bus.Emit("session.track", TrackEvent{CallID: callID, Kind: track.Kind().String()})
	})
	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			n.mu.Lock()
			if n.active == s && s.state == StateConnected {
				n.sig.Publish(wire.EventCallEnd, wire.CallRef{CallID: s.id})
				n.finishLocked(s, "connection "+state.String())
			}
			n.mu.Unlock()
		}
	})
}

func (n *Negotiator) failLocked(s *session, op string, err error) {
	n.logger.Error("call negotiation failed",
		zap.String("call_id", s.id), zap.String("op", op), zap.Error(err))
	n.sig.Publish(wire.EventCallEnd, wire.CallRef{CallID: s.id})
	n.finishLocked(s, op+" failed")
}

// finishLocked is the single exit path: every way a call ends funnels
// through here so media and the peer connection are always released.
func (n *Negotiator) finishLocked(s *session, reason string) {
	s.teardown()
	s.state = StateEnded
	n.emitLocked(s, reason)
	s.state = StateIdle
	n.active = nil
}

func (n *Negotiator) emitLocked(s *session, reason string) {
	n.bus.Emit("session.call", Event{
		CallID:         s.id,
		State:          s.state,
		Role:           s.role,
		Type:           string(s.typ),
		PeerUser:       s.peerUser,
		ConversationID: s.conversationID,
		Reason:         reason,
	})
}
