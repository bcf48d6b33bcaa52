package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/viamrobotics/webrtc/v3"

	"github.com/huddlechat/callcore"
	"github.com/huddlechat/callcore/peer"
	"github.com/huddlechat/callcore/signaling"
)

// HandleEvent queues a relay event for the event loop.
func (m *Manager) HandleEvent(ev signaling.Event) {
	m.mailbox.post(func() { m.handle(ev) })
}

// HandleDisconnect tears down any call when the relay goes away. Nothing is
// sent since there is nobody to send it to.
func (m *Manager) HandleDisconnect(err error) {
	m.mailbox.post(func() {
		if status, _ := m.status(); status == StatusIdle {
			m.logger.Warnw("relay connection lost", "error", err)
			return
		}
		callID := m.currentCallID()
		if _, tErr := m.apply(triggerRelayLost); tErr != nil {
			m.logger.Debugw("dropping relay loss", "error", tErr)
			return
		}
		m.logger.Warnw("relay connection lost, ending call", "call_id", callID, "error", err)
		m.teardown()
	})
}

// ICEConnectionStateChanged implements peer.Observer.
func (m *Manager) ICEConnectionStateChanged(participantID, callID string, state webrtc.ICEConnectionState) {
	m.mailbox.post(func() {
		if m.session == nil || m.session.CallID != callID {
			return
		}
		if m.cfg.RecoverFailed && state == webrtc.ICEConnectionStateFailed && m.offered.Has(participantID) {
			if _, err := m.escalation.Check(m.workers.Context(), participantID, callID); err != nil {
				m.logger.Warnw("connection recovery failed", "participant", participantID, "error", err)
			}
		}
		m.changed()
	})
}

// RemoteStreamsChanged implements peer.Observer.
func (m *Manager) RemoteStreamsChanged(participantID, callID string) {
	m.mailbox.post(func() {
		if m.session == nil || m.session.CallID != callID {
			return
		}
		m.changed()
	})
}

func (m *Manager) handle(ev signaling.Event) {
	ctx := m.workers.Context()
	switch ev := ev.(type) {
	case signaling.CallIncoming:
		m.handleIncoming(ev)
	case signaling.CallAccepted:
		m.handleAccepted(ctx, ev)
	case signaling.CallRejected:
		m.handleRejected(ev)
	case signaling.CallEnded:
		m.handleEnded(ev)
	case signaling.CallParticipantLeft:
		m.handleParticipantLeft(ev)
	case signaling.CallOffer:
		if !m.fromParticipant(ev, ev.From) {
			return
		}
		if err := m.pool.HandleOffer(ctx, ev.From, ev.CallID, ev.Offer); err != nil {
			m.logger.Warnw("error handling offer", "participant", ev.From, "call_id", ev.CallID, "error", err)
		}
	case signaling.CallAnswer:
		if !m.fromParticipant(ev, ev.From) {
			return
		}
		if err := m.pool.HandleAnswer(ev.From, ev.CallID, ev.Answer); err != nil {
			m.logger.Warnw("error handling answer", "participant", ev.From, "call_id", ev.CallID, "error", err)
		}
	case signaling.CallICECandidate:
		if !m.fromParticipant(ev, ev.From) {
			return
		}
		if err := m.pool.HandleCandidate(ev.From, ev.CallID, ev.Candidate); err != nil {
			m.logger.Debugw("error adding candidate", "participant", ev.From, "call_id", ev.CallID, "error", err)
		}
	default:
		m.logger.Debugw("ignoring event", "event", ev.EventName(), "call_id", ev.EventCallID())
	}
}

func (m *Manager) stale(ev signaling.Event) {
	m.logger.Debugw("dropping stale event", "event", ev.EventName(), "call_id", ev.EventCallID())
}

func (m *Manager) dropped(ev signaling.Event, err error) {
	m.logger.Debugw("dropping event", "event", ev.EventName(), "call_id", ev.EventCallID(), "error", err)
}

func (m *Manager) fromParticipant(ev signaling.Event, from string) bool {
	if m.session == nil || m.session.CallID != ev.EventCallID() {
		m.stale(ev)
		return false
	}
	if !m.session.hasParticipant(from) {
		m.logger.Debugw("dropping event from non-participant", "event", ev.EventName(), "from", from)
		return false
	}
	return true
}

// validParticipants checks a participant list sent by the relay against the
// call's caller and receivers.
func (m *Manager) validParticipants(participants []string) ([]string, error) {
	members := m.session.members()
	for _, id := range participants {
		if _, ok := members[id]; !ok {
			return nil, errors.Errorf("%q is not part of the call", id)
		}
	}
	return callcore.NewStringSet(participants...).Dedupe(participants), nil
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func (m *Manager) handleIncoming(ev signaling.CallIncoming) {
	self := m.signaling.UserID()
	switch {
	case ev.CallerID == self:
		m.logger.Debugw("ignoring our own call", "call_id", ev.CallID)
		return
	case !contains(ev.ReceiverIDs, self):
		m.logger.Warnw("ignoring call not addressed to us", "call_id", ev.CallID, "caller", ev.CallerID)
		return
	case m.isCurrent(ev.CallID):
		m.logger.Debugw("ignoring duplicate incoming call", "call_id", ev.CallID)
		return
	}
	status, role := m.status()
	if _, err := transition(status, role, triggerIncoming); err != nil {
		m.logger.Infow("ignoring incoming call while busy", "call_id", ev.CallID, "caller", ev.CallerID, "status", status)
		return
	}

	details := ev.CallDetails
	details.ReceiverIDs = append([]string(nil), ev.ReceiverIDs...)
	m.incoming = &details
	m.logger.Infow("incoming call", "call_id", ev.CallID, "caller", ev.CallerID, "call_type", ev.CallType, "group", ev.IsGroup)
	m.changed()
}

func (m *Manager) handleAccepted(ctx context.Context, ev signaling.CallAccepted) {
	if m.session == nil || m.session.CallID != ev.CallID {
		if m.incoming != nil && m.incoming.CallID == ev.CallID {
			m.logger.Debugw("another receiver answered", "call_id", ev.CallID, "user", ev.UserID)
			return
		}
		m.stale(ev)
		return
	}
	participants, err := m.validParticipants(ev.Participants)
	if err == nil && !contains(participants, ev.UserID) {
		err = errors.Errorf("participants do not include %q", ev.UserID)
	}
	if err != nil {
		m.logger.Warnw("dropping accept with invalid participants", "call_id", ev.CallID, "error", err)
		return
	}
	next, err := m.apply(triggerAccepted)
	if err != nil {
		m.dropped(ev, err)
		return
	}

	self := m.signaling.UserID()
	previous := m.session.Participants
	m.session.Participants = participants
	m.session.Status = next
	if m.session.StartTime.IsZero() {
		m.session.StartTime = time.Now()
	}
	delete(m.pending, ev.UserID)
	m.disarmRingTimeout()
	defer m.changed()

	if ev.UserID == self {
		return
	}
	m.logger.Infow("participant joined", "call_id", ev.CallID, "participant", ev.UserID)
	if contains(previous, ev.UserID) {
		if _, ok := m.pool.ICEConnectionState(ev.UserID); ok {
			m.logger.Debugw("participant already connected", "participant", ev.UserID)
			return
		}
	}
	// the caller connects to everyone; with a full mesh, everyone who was
	// already in the call also connects to the newcomer
	if m.session.Role != RoleCaller && !(m.cfg.FullMesh && contains(previous, self)) {
		return
	}
	m.offerTo(ctx, ev.UserID, ev.CallID)
}

func (m *Manager) offerTo(ctx context.Context, participantID, callID string) {
	m.offered[participantID] = struct{}{}
	if err := m.pool.CreateAndSendOffer(ctx, participantID, callID, peer.OfferOptions{}); err != nil {
		m.logger.Warnw("error offering to participant", "participant", participantID, "call_id", callID, "error", err)
	}
	m.escalation.Arm(ctx, participantID, callID)
}

func (m *Manager) handleRejected(ev signaling.CallRejected) {
	if m.incoming != nil && m.incoming.CallID == ev.CallID {
		if m.incoming.IsGroup && ev.UserID != m.incoming.CallerID {
			m.logger.Debugw("another receiver declined", "call_id", ev.CallID, "user", ev.UserID)
			return
		}
		if _, err := m.apply(triggerRejected); err != nil {
			m.dropped(ev, err)
			return
		}
		m.logger.Infow("incoming call withdrawn", "call_id", ev.CallID)
		m.teardown()
		return
	}
	if m.session == nil || m.session.CallID != ev.CallID {
		m.stale(ev)
		return
	}
	if _, ok := m.session.members()[ev.UserID]; !ok || ev.UserID == m.signaling.UserID() {
		m.logger.Debugw("ignoring rejection", "call_id", ev.CallID, "user", ev.UserID)
		return
	}
	if m.session.IsGroup {
		delete(m.pending, ev.UserID)
		if len(m.pending) > 0 || len(m.session.Participants) > 1 {
			m.logger.Infow("participant declined", "call_id", ev.CallID, "user", ev.UserID)
			m.changed()
			return
		}
	}
	if _, err := m.apply(triggerRejected); err != nil {
		m.dropped(ev, err)
		return
	}
	m.logger.Infow("call rejected", "call_id", ev.CallID, "user", ev.UserID)
	m.teardown()
}

func (m *Manager) handleEnded(ev signaling.CallEnded) {
	if !m.isCurrent(ev.CallID) {
		m.stale(ev)
		return
	}
	if _, err := m.apply(triggerEnded); err != nil {
		m.dropped(ev, err)
		return
	}
	m.logger.Infow("call ended", "call_id", ev.CallID, "user", ev.UserID)
	m.teardown()
}

func (m *Manager) handleParticipantLeft(ev signaling.CallParticipantLeft) {
	if m.session == nil || m.session.CallID != ev.CallID {
		m.stale(ev)
		return
	}
	self := m.signaling.UserID()
	if ev.UserID == self {
		m.logger.Debugw("ignoring our own departure", "call_id", ev.CallID)
		return
	}
	participants, err := m.validParticipants(ev.Participants)
	if err == nil && contains(participants, ev.UserID) {
		err = errors.Errorf("participants still include %q", ev.UserID)
	}
	if err != nil {
		m.logger.Warnw("dropping departure with invalid participants", "call_id", ev.CallID, "error", err)
		return
	}
	next, err := m.apply(triggerParticipantLeft)
	if err != nil {
		m.dropped(ev, err)
		return
	}

	if err := m.pool.Remove(ev.UserID); err != nil {
		m.logger.Debugw("error closing connection", "participant", ev.UserID, "error", err)
	}
	m.escalation.Reset(ev.UserID)
	delete(m.pending, ev.UserID)
	delete(m.offered, ev.UserID)
	m.session.Participants = participants
	m.session.Status = next
	m.logger.Infow("participant left", "call_id", ev.CallID, "participant", ev.UserID)

	if len(callcore.StringSliceRemove(participants, self)) > 0 {
		m.changed()
		return
	}
	if _, err := m.apply(triggerEnded); err != nil {
		m.dropped(ev, err)
		return
	}
	m.logger.Infow("everyone else left, ending call", "call_id", ev.CallID)
	m.teardown()
}
