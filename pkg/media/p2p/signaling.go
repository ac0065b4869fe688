package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/signal"
)

// inbox holds call-control messages by remote user until a join consumes
// them. A callee may be rung before it joins, so nothing here is tied to
// an active call.
type inbox struct {
	ringing  map[string]bool
	accepted map[string]bool
	refused  map[string]string
	offers   map[string]string
	answers  map[string]string
}

func newInbox() inbox {
	return inbox{
		ringing:  make(map[string]bool),
		accepted: make(map[string]bool),
		refused:  make(map[string]string),
		offers:   make(map[string]string),
		answers:  make(map[string]string),
	}
}

func (b inbox) forget(peer string) {
	delete(b.ringing, peer)
	delete(b.accepted, peer)
	delete(b.refused, peer)
	delete(b.offers, peer)
	delete(b.answers, peer)
}

func (a *Adapter) listen() {
	a.sig.On(signal.EventIncomingCall, a.onIncomingCall)
	a.sig.On(signal.EventCallAccepted, a.onCallAccepted)
	a.sig.On(signal.EventCallRejected, a.onCallRejected)
	a.sig.On(signal.EventCallEnded, a.onCallEnded)
	a.sig.On(signal.EventOffer, a.onOffer)
	a.sig.On(signal.EventAnswer, a.onAnswer)
	a.sig.On(signal.EventICECandidate, a.onCandidate)
	a.sig.On(signal.EventUserLeft, a.onUserLeft)
	a.sig.OnError(a.onSignalError)
	a.sig.OnState(a.onSignalState)
}

func decode(event string, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("p2p: malformed signaling message", "event", event, "err", err)
		return false
	}
	return true
}

func (a *Adapter) onIncomingCall(data json.RawMessage) {
	var m signal.CallControl
	if !decode(signal.EventIncomingCall, data, &m) {
		return
	}
	a.mu.Lock()
	busy := a.inCall && a.peerID != m.From
	if !busy {
		a.box.ringing[m.From] = true
		delete(a.box.refused, m.From)
		a.wakeLocked()
	}
	a.mu.Unlock()

	if busy {
		slog.Info("p2p: rejecting call while busy", "from", m.From)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.sig.RejectCall(ctx, m.From, "busy"); err != nil {
				slog.Debug("p2p: reject call", "from", m.From, "err", err)
			}
		}()
		return
	}
	slog.Info("p2p: incoming call", "from", m.From)
}

func (a *Adapter) onCallAccepted(data json.RawMessage) {
	var m signal.CallControl
	if !decode(signal.EventCallAccepted, data, &m) {
		return
	}
	a.mu.Lock()
	a.box.accepted[m.From] = true
	a.wakeLocked()
	a.mu.Unlock()
}

func (a *Adapter) onCallRejected(data json.RawMessage) {
	var m signal.CallControl
	if !decode(signal.EventCallRejected, data, &m) {
		return
	}
	reason := m.Reason
	if reason == "" {
		reason = "rejected"
	}
	a.mu.Lock()
	a.box.refused[m.From] = reason
	a.wakeLocked()
	a.mu.Unlock()
	slog.Info("p2p: call rejected", "by", m.From, "reason", reason)
}

// onCallEnded aborts a call still being set up and tears down an
// established one. A caller hanging up before the callee joined only
// stops the ringing.
func (a *Adapter) onCallEnded(data json.RawMessage) {
	var m signal.CallControl
	if !decode(signal.EventCallEnded, data, &m) {
		return
	}
	a.mu.Lock()
	delete(a.box.ringing, m.From)
	delete(a.box.offers, m.From)
	current := a.inCall && a.peerID == m.From
	setup := current && a.status == media.StatusConnecting
	if setup {
		a.box.refused[m.From] = "ended"
		a.wakeLocked()
	}
	a.mu.Unlock()

	if current && !setup {
		slog.Info("p2p: call ended by peer", "peer", m.From)
		go a.endedRemotely(m.From)
	}
}

func (a *Adapter) onOffer(data json.RawMessage) {
	var m signal.Offer
	if !decode(signal.EventOffer, data, &m) {
		return
	}
	a.mu.Lock()
	established := a.inCall && a.peerID == m.From && a.status != media.StatusConnecting
	peer := a.peer
	if !established {
		a.box.offers[m.From] = m.Offer.SDP
		a.wakeLocked()
	}
	a.mu.Unlock()
	if established {
		go a.renegotiate(peer, m.From, m.Offer.SDP)
	}
}

// renegotiate answers an offer on an established call, such as an ICE
// restart by the remote party.
func (a *Adapter) renegotiate(peer Peer, from, sdp string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	answer, err := peer.AcceptOffer(ctx, sdp)
	if err != nil {
		slog.Warn("p2p: apply renegotiation offer", "peer", from, "err", err)
		return
	}
	if err := a.sig.SendAnswer(ctx, from, answer); err != nil {
		slog.Warn("p2p: send renegotiation answer", "peer", from, "err", err)
	}
}

func (a *Adapter) onAnswer(data json.RawMessage) {
	var m signal.Answer
	if !decode(signal.EventAnswer, data, &m) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.inCall || a.peerID != m.From {
		slog.Debug("p2p: dropping answer outside a call", "from", m.From)
		return
	}
	a.box.answers[m.From] = m.Answer.SDP
	a.wakeLocked()
}

func (a *Adapter) onCandidate(data json.RawMessage) {
	var m signal.ICECandidate
	if !decode(signal.EventICECandidate, data, &m) {
		return
	}
	a.mu.Lock()
	var peer Peer
	if a.inCall && a.peerID == m.From {
		peer = a.peer
	}
	a.mu.Unlock()
	if peer == nil {
		slog.Debug("p2p: dropping candidate outside a call", "from", m.From)
		return
	}
	if err := peer.AddCandidate(m.Candidate); err != nil {
		slog.Debug("p2p: add candidate", "from", m.From, "err", err)
	}
}

func (a *Adapter) onUserLeft(data json.RawMessage) {
	var m signal.UserEvent
	if !decode(signal.EventUserLeft, data, &m) {
		return
	}
	a.mu.Lock()
	current := a.inCall && a.peerID == m.UserID
	a.mu.Unlock()
	if current {
		slog.Info("p2p: peer left signaling, media continues", "peer", m.UserID)
	}
}

// onSignalError reports signaling failures without touching the call.
func (a *Adapter) onSignalError(err error) {
	a.mu.Lock()
	inCall := a.inCall
	a.mu.Unlock()
	if errors.Is(err, signal.ErrReconnectExhausted) {
		slog.Error("p2p: signaling lost for good", "in_call", inCall, "err", err)
	} else {
		slog.Warn("p2p: signaling error", "in_call", inCall, "err", err)
	}
	a.em.Emit(media.Event{Type: media.EventConnectionError, Err: fmt.Errorf("p2p: signaling: %w", err)})
}

func (a *Adapter) onSignalState(s signal.State) {
	a.mu.Lock()
	inCall, status := a.inCall, a.status
	a.mu.Unlock()
	slog.Debug("p2p: signaling state", "state", s, "in_call", inCall, "status", status)
}
