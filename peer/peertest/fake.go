// Package peertest provides in-memory peer connections for testing code
// built on the peer package.
package peertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/viamrobotics/webrtc/v3"

	"github.com/huddlechat/callcore/peer"
)

// Conn is a scripted peer connection. It follows the signaling state rules of
// a real connection but never touches the network; ICE state only changes
// when a test calls SetICEState.
type Conn struct {
	mu sync.Mutex

	Config      webrtc.Configuration
	fingerprint string
	version     int

	local, remote     *webrtc.SessionDescription
	signaling         webrtc.SignalingState
	ice               webrtc.ICEConnectionState
	tracks            []webrtc.TrackLocal
	candidates        []webrtc.ICECandidateInit
	offerOptions      []webrtc.OfferOptions
	setRemoteCalls    int
	closed            bool
	onTrack           func(peer.RemoteTrack)
	onICECandidate    func(*webrtc.ICECandidateInit)
	onICEStateChanged func(webrtc.ICEConnectionState)
}

func newConn(config webrtc.Configuration, fingerprint string) *Conn {
	return &Conn{
		Config:      config,
		fingerprint: fingerprint,
		signaling:   webrtc.SignalingStateStable,
		ice:         webrtc.ICEConnectionStateNew,
	}
}

func (c *Conn) description(typ webrtc.SDPType) webrtc.SessionDescription {
	c.version++
	var sb strings.Builder
	fmt.Fprintf(&sb, "v=0\r\no=- %d %d IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n", c.version, c.version)
	fmt.Fprintf(&sb, "a=fingerprint:sha-256 %s\r\n", c.fingerprint)
	for _, track := range c.tracks {
		fmt.Fprintf(&sb, "m=%s 9 UDP/TLS/RTP/SAVPF 96\r\na=msid:%s %s\r\n", track.Kind(), track.StreamID(), track.ID())
	}
	return webrtc.SessionDescription{Type: typ, SDP: sb.String()}
}

// CreateOffer builds an offer with one m-line per attached track.
func (c *Conn) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, webrtc.ErrConnectionClosed
	}
	if options != nil {
		c.offerOptions = append(c.offerOptions, *options)
	} else {
		c.offerOptions = append(c.offerOptions, webrtc.OfferOptions{})
	}
	return c.description(webrtc.SDPTypeOffer), nil
}

// CreateAnswer requires an applied remote offer.
func (c *Conn) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, webrtc.ErrConnectionClosed
	}
	if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.Errorf("cannot answer in %s", c.signaling)
	}
	return c.description(webrtc.SDPTypeAnswer), nil
}

// SetLocalDescription moves the signaling state like a real connection.
func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.ErrConnectionClosed
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.signaling != webrtc.SignalingStateStable && c.signaling != webrtc.SignalingStateHaveLocalOffer {
			return errors.Errorf("cannot set local offer in %s", c.signaling)
		}
		c.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
			return errors.Errorf("cannot set local answer in %s", c.signaling)
		}
		c.signaling = webrtc.SignalingStateStable
	default:
		return errors.Errorf("unsupported description type %s", desc.Type)
	}
	c.local = &desc
	return nil
}

// SetRemoteDescription moves the signaling state like a real connection.
func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.ErrConnectionClosed
	}
	c.setRemoteCalls++
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.signaling != webrtc.SignalingStateStable {
			return errors.Errorf("cannot set remote offer in %s", c.signaling)
		}
		c.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if c.signaling != webrtc.SignalingStateHaveLocalOffer {
			return errors.Errorf("cannot set remote answer in %s", c.signaling)
		}
		c.signaling = webrtc.SignalingStateStable
	default:
		return errors.Errorf("unsupported description type %s", desc.Type)
	}
	c.remote = &desc
	return nil
}

// RemoteDescription returns the applied remote description, if any.
func (c *Conn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// LocalDescription returns the applied local description, if any.
func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// SignalingState returns the current signaling state.
func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

// ICEConnectionState returns the current ICE state.
func (c *Conn) ICEConnectionState() webrtc.ICEConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ice
}

// AddICECandidate fails until a remote description is applied.
func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.ErrConnectionClosed
	}
	if c.remote == nil {
		return errors.New("remote description not set")
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

// AddTrack attaches a local track. No sender is returned.
func (c *Conn) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, webrtc.ErrConnectionClosed
	}
	c.tracks = append(c.tracks, track)
	return nil, nil
}

// OnTrack registers the remote track handler.
func (c *Conn) OnTrack(f func(peer.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = f
}

// OnICECandidate registers the local candidate handler.
func (c *Conn) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICECandidate = f
}

// OnICEConnectionStateChange registers the ICE state handler.
func (c *Conn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICEStateChanged = f
}

// Close closes the connection. Handlers are not called.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.signaling = webrtc.SignalingStateClosed
	c.ice = webrtc.ICEConnectionStateClosed
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetICEState changes the ICE state and notifies the handler.
func (c *Conn) SetICEState(state webrtc.ICEConnectionState) {
	c.mu.Lock()
	c.ice = state
	handler := c.onICEStateChanged
	c.mu.Unlock()
	if handler != nil {
		handler(state)
	}
}

// EmitCandidate hands a gathered local candidate to the handler.
func (c *Conn) EmitCandidate(candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	handler := c.onICECandidate
	c.mu.Unlock()
	if handler != nil {
		handler(&candidate)
	}
}

// EmitTrack hands a received remote track to the handler.
func (c *Conn) EmitTrack(track peer.RemoteTrack) {
	c.mu.Lock()
	handler := c.onTrack
	c.mu.Unlock()
	if handler != nil {
		handler(track)
	}
}

// Tracks returns the attached local tracks.
func (c *Conn) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), c.tracks...)
}

// Candidates returns the applied remote candidates.
func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

// OfferOptions returns the options of every CreateOffer call.
func (c *Conn) OfferOptions() []webrtc.OfferOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.OfferOptions(nil), c.offerOptions...)
}

// SetRemoteDescriptionCalls counts SetRemoteDescription calls.
func (c *Conn) SetRemoteDescriptionCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setRemoteCalls
}

// RelayOnly reports whether the connection was created with a relay-only policy.
func (c *Conn) RelayOnly() bool {
	return c.Config.ICETransportPolicy == webrtc.ICETransportPolicyRelay
}

// Factory creates Conns and remembers them.
type Factory struct {
	mu    sync.Mutex
	conns []*Conn
	// Err, when set, fails every New.
	Err error
}

// New creates a Conn. Each one gets its own fingerprint, like a real
// connection's DTLS certificate.
func (f *Factory) New(config webrtc.Configuration) (peer.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	conn := newConn(config, fmt.Sprintf("FA:KE:%02X", len(f.conns)))
	f.conns = append(f.conns, conn)
	return conn, nil
}

// Conns returns every Conn created, oldest first.
func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// Last returns the newest Conn, or nil.
func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// Track is a RemoteTrack stand-in.
type Track struct {
	TrackID   string
	Stream    string
	TrackKind webrtc.RTPCodecType
}

// ID implements peer.RemoteTrack.
func (t Track) ID() string { return t.TrackID }

// StreamID implements peer.RemoteTrack.
func (t Track) StreamID() string { return t.Stream }

// Kind implements peer.RemoteTrack.
func (t Track) Kind() webrtc.RTPCodecType { return t.TrackKind }

// Message is one negotiation message recorded by a Signaler.
type Message struct {
	CallID      string
	To          string
	Description webrtc.SessionDescription
	Candidate   webrtc.ICECandidateInit
}

// Signaler records what a Pool sends.
type Signaler struct {
	mu         sync.Mutex
	offers     []Message
	answers    []Message
	candidates []Message
}

// Offer implements peer.Signaler.
func (s *Signaler) Offer(ctx context.Context, callID, to string, offer webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, Message{CallID: callID, To: to, Description: offer})
	return nil
}

// Answer implements peer.Signaler.
func (s *Signaler) Answer(ctx context.Context, callID, to string, answer webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, Message{CallID: callID, To: to, Description: answer})
	return nil
}

// Candidate implements peer.Signaler.
func (s *Signaler) Candidate(ctx context.Context, callID, to string, candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, Message{CallID: callID, To: to, Candidate: candidate})
	return nil
}

// Offers returns the offers sent.
func (s *Signaler) Offers() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.offers...)
}

// Answers returns the answers sent.
func (s *Signaler) Answers() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.answers...)
}

// Candidates returns the candidates sent.
func (s *Signaler) Candidates() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.candidates...)
}
