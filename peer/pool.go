// Package peer owns one WebRTC peer connection per remote participant of a
// call and runs the offer/answer/candidate exchange for each.
package peer

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/viamrobotics/webrtc/v3"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/huddlechat/callcore"
	"github.com/huddlechat/callcore/config"
	"github.com/huddlechat/callcore/media"
)

// maxPendingCandidates bounds the candidates held for one participant
// before its remote description is known.
const maxPendingCandidates = 64

// A Signaler sends negotiation messages to a participant. *signaling.Client
// implements it.
type Signaler interface {
	Offer(ctx context.Context, callID, to string, offer webrtc.SessionDescription) error
	Answer(ctx context.Context, callID, to string, answer webrtc.SessionDescription) error
	Candidate(ctx context.Context, callID, to string, candidate webrtc.ICECandidateInit) error
}

// A TrackSource supplies the local tracks attached to new connections.
// *media.Controller implements it.
type TrackSource interface {
	Tracks() []*media.LocalTrack
}

// An Observer is told about connection activity. Its methods are called from
// pion's goroutines and must not call back into the Pool.
type Observer interface {
	ICEConnectionStateChanged(participantID, callID string, state webrtc.ICEConnectionState)
	RemoteStreamsChanged(participantID, callID string)
}

// OfferOptions tune CreateAndSendOffer.
type OfferOptions struct {
	ICERestart bool
	// ForceRelay replaces the connection with a relay-only one.
	ForceRelay bool
}

// A RemoteStream is the media received from one participant. Pion remote
// tracks carry no mute flag of their own, so playback is gated by Enabled,
// which is set on every track arrival.
type RemoteStream struct {
	ParticipantID string
	StreamID      string
	Tracks        []RemoteTrack
	Enabled       bool
}

// Options configure a Pool.
type Options struct {
	Config config.Config
	// Factory defaults to PionFactory.
	Factory  Factory
	Signaler Signaler
	Tracks   TrackSource
	Observer Observer
	Logger   golog.Logger
}

type entry struct {
	participantID string
	callID        string
	forceRelay    bool
	conn          PeerConnection
	closed        atomic.Bool
}

type candidateBuffer struct {
	callID     string
	candidates []webrtc.ICECandidateInit
}

// A Pool holds at most one connection per participant. It is not safe for
// concurrent use: its owner serializes every call. Only the remote stream map
// is touched from pion callbacks, under its own lock.
type Pool struct {
	cfg      config.Config
	factory  Factory
	signaler Signaler
	tracks   TrackSource
	observer Observer
	logger   golog.Logger

	entries map[string]*entry
	pending map[string]*candidateBuffer

	remoteMu sync.Mutex
	remote   map[string]*RemoteStream

	workers *callcore.StoppableWorkers
}

// NewPool returns an empty pool.
func NewPool(opts Options) *Pool {
	factory := opts.Factory
	if factory == nil {
		factory = PionFactory(opts.Logger)
	}
	return &Pool{
		cfg:      opts.Config,
		factory:  factory,
		signaler: opts.Signaler,
		tracks:   opts.Tracks,
		observer: opts.Observer,
		logger:   opts.Logger,
		entries:  map[string]*entry{},
		pending:  map[string]*candidateBuffer{},
		remote:   map[string]*RemoteStream{},
		workers:  callcore.NewStoppableWorkers(context.Background()),
	}
}

func usable(state webrtc.ICEConnectionState) bool {
	return state != webrtc.ICEConnectionStateFailed && state != webrtc.ICEConnectionStateClosed
}

// Ensure returns the connection to participantID for callID, creating it if
// there is none or the existing one is stale: from another call, failed or
// closed, or not relay-only when forceRelay is asked for.
func (p *Pool) Ensure(participantID, callID string, forceRelay bool) error {
	_, err := p.ensure(participantID, callID, forceRelay)
	return err
}

func (p *Pool) ensure(participantID, callID string, forceRelay bool) (*entry, error) {
	if e, ok := p.entries[participantID]; ok {
		if e.callID == callID && usable(e.conn.ICEConnectionState()) && (!forceRelay || e.forceRelay) {
			return e, nil
		}
		p.logger.Debugw("replacing stale connection", "participant", participantID, "call_id", e.callID)
		callcore.UncheckedError(p.closeEntry(e))
	}
	return p.create(participantID, callID, forceRelay)
}

func (p *Pool) create(participantID, callID string, forceRelay bool) (_ *entry, err error) {
	forceRelay = forceRelay || p.cfg.ForceRelay
	conn, err := p.factory(Configuration(p.cfg, forceRelay))
	if err != nil {
		return nil, errors.Wrapf(err, "error creating connection to %q", participantID)
	}
	var successful bool
	defer func() {
		if !successful {
			err = multierr.Combine(err, conn.Close())
		}
	}()

	e := &entry{
		participantID: participantID,
		callID:        callID,
		forceRelay:    forceRelay,
		conn:          conn,
	}
	if p.tracks != nil {
		for _, track := range p.tracks.Tracks() {
			if _, err := conn.AddTrack(track.Track()); err != nil {
				return nil, errors.Wrapf(err, "error adding %s track", track.Kind())
			}
		}
	}

	conn.OnTrack(func(track RemoteTrack) {
		if e.closed.Load() {
			return
		}
		p.addRemoteTrack(e, track)
		if p.observer != nil {
			p.observer.RemoteStreamsChanged(participantID, callID)
		}
	})
	conn.OnICECandidate(func(candidate *webrtc.ICECandidateInit) {
		if candidate == nil || e.closed.Load() {
			return
		}
		init := *candidate
		callcore.UncheckedError(p.workers.Add(func(ctx context.Context) {
			if e.closed.Load() {
				return
			}
			if err := p.signaler.Candidate(ctx, callID, participantID, init); err != nil {
				p.logger.Debugw("error sending candidate", "participant", participantID, "error", err)
			}
		}))
	})
	conn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if e.closed.Load() {
			return
		}
		p.logger.Debugw("ice connection state", "participant", participantID, "call_id", callID, "state", state.String())
		if p.observer != nil {
			p.observer.ICEConnectionStateChanged(participantID, callID, state)
		}
	})

	p.entries[participantID] = e
	successful = true
	p.logger.Debugw("connection created", "participant", participantID, "call_id", callID, "force_relay", forceRelay)
	return e, nil
}

func (p *Pool) addRemoteTrack(e *entry, track RemoteTrack) {
	p.remoteMu.Lock()
	defer p.remoteMu.Unlock()
	stream, ok := p.remote[e.participantID]
	if !ok || stream.StreamID != track.StreamID() {
		stream = &RemoteStream{ParticipantID: e.participantID, StreamID: track.StreamID()}
		p.remote[e.participantID] = stream
	}
	stream.Enabled = true
	for i, existing := range stream.Tracks {
		if existing.ID() == track.ID() {
			stream.Tracks[i] = track
			return
		}
	}
	stream.Tracks = append(stream.Tracks, track)
}

// CreateAndSendOffer offers to participantID. ForceRelay closes any existing
// connection first since the transport policy of a live connection cannot
// change.
func (p *Pool) CreateAndSendOffer(ctx context.Context, participantID, callID string, opts OfferOptions) error {
	if opts.ForceRelay {
		if e, ok := p.entries[participantID]; ok {
			callcore.UncheckedError(p.closeEntry(e))
		}
	}
	e, err := p.ensure(participantID, callID, opts.ForceRelay)
	if err != nil {
		return err
	}
	if state := e.conn.SignalingState(); state == webrtc.SignalingStateHaveRemoteOffer {
		p.logger.Debugw("not offering while answering", "participant", participantID)
		return nil
	}

	offer, err := e.conn.CreateOffer(&webrtc.OfferOptions{ICERestart: opts.ICERestart})
	if err != nil {
		return errors.Wrap(err, "error creating offer")
	}
	if err := e.conn.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "error setting local description")
	}
	return p.signaler.Offer(ctx, callID, participantID, offer)
}

// HandleOffer applies an offer from participantID and answers it. An offer
// identical to the one already applied is a retransmission and is ignored.
// A different offer from the same peer renegotiates in place; one from a
// recreated peer replaces the connection.
func (p *Pool) HandleOffer(ctx context.Context, participantID, callID string, offer webrtc.SessionDescription) error {
	e, ok := p.entries[participantID]
	switch {
	case !ok:
	case e.callID != callID || !usable(e.conn.ICEConnectionState()):
		callcore.UncheckedError(p.closeEntry(e))
		ok = false
	default:
		current := e.conn.RemoteDescription()
		if current == nil {
			if e.conn.SignalingState() != webrtc.SignalingStateStable {
				p.logger.Debugw("dropping offer while our own is outstanding", "participant", participantID)
				return nil
			}
			break
		}
		if current.SDP == offer.SDP {
			p.logger.Debugw("ignoring duplicate offer", "participant", participantID, "call_id", callID)
			return nil
		}
		if e.conn.SignalingState() == webrtc.SignalingStateStable && sameFingerprint(*current, offer) {
			p.logger.Debugw("renegotiating", "participant", participantID, "call_id", callID)
			break
		}
		p.logger.Debugw("offer from recreated peer", "participant", participantID, "call_id", callID)
		callcore.UncheckedError(p.closeEntry(e))
		ok = false
	}
	if !ok {
		var err error
		if e, err = p.create(participantID, callID, false); err != nil {
			return err
		}
	}

	if err := e.conn.SetRemoteDescription(offer); err != nil {
		return errors.Wrap(err, "error setting remote description")
	}
	p.flushCandidates(e)

	answer, err := e.conn.CreateAnswer(nil)
	if err != nil {
		return errors.Wrap(err, "error creating answer")
	}
	if err := e.conn.SetLocalDescription(answer); err != nil {
		return errors.Wrap(err, "error setting local description")
	}
	return p.signaler.Answer(ctx, callID, participantID, answer)
}

// sameFingerprint reports whether two descriptions come from the same DTLS
// endpoint, i.e. the same remote connection.
func sameFingerprint(a, b webrtc.SessionDescription) bool {
	fa, fb := fingerprint(a), fingerprint(b)
	return fa != "" && fa == fb
}

func fingerprint(desc webrtc.SessionDescription) string {
	parsed, err := desc.Unmarshal()
	if err != nil {
		return ""
	}
	if value, ok := parsed.Attribute("fingerprint"); ok {
		return value
	}
	for _, m := range parsed.MediaDescriptions {
		if value, ok := m.Attribute("fingerprint"); ok {
			return value
		}
	}
	return ""
}

// HandleAnswer applies an answer from participantID. It is ignored unless an
// offer to that participant is outstanding.
func (p *Pool) HandleAnswer(participantID, callID string, answer webrtc.SessionDescription) error {
	e, ok := p.entries[participantID]
	if !ok || e.callID != callID {
		p.logger.Debugw("ignoring answer without connection", "participant", participantID, "call_id", callID)
		return nil
	}
	if state := e.conn.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		p.logger.Debugw("ignoring answer", "participant", participantID, "signaling_state", state.String())
		return nil
	}
	if err := e.conn.SetRemoteDescription(answer); err != nil {
		return errors.Wrap(err, "error setting remote description")
	}
	p.flushCandidates(e)
	return nil
}

// HandleCandidate applies a trickled candidate. Candidates that arrive before
// the remote description are held and applied once it is set, unless early
// candidate buffering is turned off, in which case they are dropped.
func (p *Pool) HandleCandidate(participantID, callID string, candidate webrtc.ICECandidateInit) error {
	e, ok := p.entries[participantID]
	if ok && e.callID == callID && e.conn.RemoteDescription() != nil {
		return e.conn.AddICECandidate(candidate)
	}
	if !p.cfg.BufferEarlyCandidates {
		p.logger.Debugw("dropping early candidate", "participant", participantID, "call_id", callID)
		return nil
	}

	buf, ok := p.pending[participantID]
	if !ok || buf.callID != callID {
		buf = &candidateBuffer{callID: callID}
		p.pending[participantID] = buf
	}
	if len(buf.candidates) >= maxPendingCandidates {
		p.logger.Debugw("candidate buffer full", "participant", participantID)
		return nil
	}
	buf.candidates = append(buf.candidates, candidate)
	return nil
}

func (p *Pool) flushCandidates(e *entry) {
	buf, ok := p.pending[e.participantID]
	if !ok {
		return
	}
	delete(p.pending, e.participantID)
	if buf.callID != e.callID {
		return
	}
	for _, candidate := range buf.candidates {
		if err := e.conn.AddICECandidate(candidate); err != nil {
			p.logger.Debugw("error applying buffered candidate", "participant", e.participantID, "error", err)
		}
	}
}

func (p *Pool) closeEntry(e *entry) error {
	e.closed.Store(true)
	if p.entries[e.participantID] == e {
		delete(p.entries, e.participantID)
	}
	delete(p.pending, e.participantID)
	p.remoteMu.Lock()
	delete(p.remote, e.participantID)
	p.remoteMu.Unlock()
	return e.conn.Close()
}

// Remove closes and forgets the connection to participantID.
func (p *Pool) Remove(participantID string) error {
	delete(p.pending, participantID)
	e, ok := p.entries[participantID]
	if !ok {
		return nil
	}
	return p.closeEntry(e)
}

// CloseAll closes every connection. Every connection is closed even if some
// fail to.
func (p *Pool) CloseAll() error {
	var err error
	for _, e := range p.entries {
		err = multierr.Combine(err, p.closeEntry(e))
	}
	p.pending = map[string]*candidateBuffer{}
	p.remoteMu.Lock()
	p.remote = map[string]*RemoteStream{}
	p.remoteMu.Unlock()
	return err
}

// Close closes every connection and waits for pending candidate sends.
func (p *Pool) Close() error {
	err := p.CloseAll()
	p.workers.Stop()
	return err
}

// RemoteStreams returns a copy of the streams received so far, by participant.
func (p *Pool) RemoteStreams() map[string]RemoteStream {
	p.remoteMu.Lock()
	defer p.remoteMu.Unlock()
	out := make(map[string]RemoteStream, len(p.remote))
	for id, stream := range p.remote {
		out[id] = RemoteStream{
			ParticipantID: stream.ParticipantID,
			StreamID:      stream.StreamID,
			Tracks:        append([]RemoteTrack(nil), stream.Tracks...),
			Enabled:       stream.Enabled,
		}
	}
	return out
}

// ICEConnectionState returns the ICE state of the connection to participantID.
// Without a connection it returns the zero state and false.
func (p *Pool) ICEConnectionState(participantID string) (webrtc.ICEConnectionState, bool) {
	e, ok := p.entries[participantID]
	if !ok {
		return webrtc.ICEConnectionState(0), false
	}
	return e.conn.ICEConnectionState(), true
}

// SignalingState returns the signaling state of the connection to participantID.
// Without a connection it returns the zero state and false.
func (p *Pool) SignalingState(participantID string) (webrtc.SignalingState, bool) {
	e, ok := p.entries[participantID]
	if !ok {
		return webrtc.SignalingState(0), false
	}
	return e.conn.SignalingState(), true
}

// Len is the number of open connections.
func (p *Pool) Len() int {
	return len(p.entries)
}

// Participants returns the ids with an open connection.
func (p *Pool) Participants() []string {
	out := make([]string, 0, len(p.entries))
	for id := range p.entries {
		out = append(out, id)
	}
	return out
}
