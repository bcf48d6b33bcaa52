package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/viamrobotics/webrtc/v3"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"github.com/huddlechat/callcore/config"
	"github.com/huddlechat/callcore/media"
	"github.com/huddlechat/callcore/peer/peertest"
	"github.com/huddlechat/callcore/signaling"
)

// recorder is a Signaling that records what would have been sent.
type recorder struct {
	self      string
	connected atomic.Bool

	mu   sync.Mutex
	sent []signaling.Event
}

func newRecorder(self string) *recorder {
	r := &recorder{self: self}
	r.connected.Store(true)
	return r
}

func (r *recorder) record(ev signaling.Event) error {
	if !r.connected.Load() {
		return signaling.ErrNotConnected
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, ev)
	return nil
}

func (r *recorder) UserID() string  { return r.self }
func (r *recorder) Connected() bool { return r.connected.Load() }

func (r *recorder) StartCall(ctx context.Context, details signaling.CallDetails) error {
	return r.record(signaling.CallStart{CallDetails: details})
}

func (r *recorder) Accept(ctx context.Context, callID string) error {
	return r.record(signaling.CallAccept{CallID: callID, UserID: r.self})
}

func (r *recorder) Reject(ctx context.Context, callID string) error {
	return r.record(signaling.CallReject{CallID: callID, UserID: r.self})
}

func (r *recorder) End(ctx context.Context, callID string) error {
	return r.record(signaling.CallEnd{CallID: callID, UserID: r.self})
}

func (r *recorder) Offer(ctx context.Context, callID, to string, offer webrtc.SessionDescription) error {
	return r.record(signaling.CallOffer{CallID: callID, Offer: offer, From: r.self, To: to})
}

func (r *recorder) Answer(ctx context.Context, callID, to string, answer webrtc.SessionDescription) error {
	return r.record(signaling.CallAnswer{CallID: callID, Answer: answer, From: r.self, To: to})
}

func (r *recorder) Candidate(ctx context.Context, callID, to string, candidate webrtc.ICECandidateInit) error {
	return r.record(signaling.CallICECandidate{CallID: callID, Candidate: candidate, From: r.self, To: to})
}

// named returns the recorded events called name.
func (r *recorder) named(name string) []signaling.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []signaling.Event
	for _, ev := range r.sent {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) offersTo(to string) []signaling.CallOffer {
	var out []signaling.CallOffer
	for _, ev := range r.named(signaling.EventCallOffer) {
		if offer := ev.(signaling.CallOffer); offer.To == to {
			out = append(out, offer)
		}
	}
	return out
}

type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
}

// fakeTimers stands in for time.AfterFunc; timers only fire when told to.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) func() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	timer := &fakeTimer{delay: d, f: f}
	ft.timers = append(ft.timers, timer)
	return func() {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		timer.stopped = true
	}
}

// fire runs the live timers with the given delay and reports how many ran.
func (ft *fakeTimers) fire(d time.Duration) int {
	ft.mu.Lock()
	var due []*fakeTimer
	kept := ft.timers[:0]
	for _, timer := range ft.timers {
		switch {
		case timer.stopped:
		case timer.delay == d:
			due = append(due, timer)
		default:
			kept = append(kept, timer)
		}
	}
	ft.timers = kept
	ft.mu.Unlock()
	for _, timer := range due {
		timer.f()
	}
	return len(due)
}

func (ft *fakeTimers) live(d time.Duration) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var n int
	for _, timer := range ft.timers {
		if !timer.stopped && timer.delay == d {
			n++
		}
	}
	return n
}

type fakePlayer struct {
	mu      sync.Mutex
	playing bool
	plays   int
}

func (p *fakePlayer) Play(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = true
	p.plays++
	return nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
}

func (p *fakePlayer) state() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing, p.plays
}

// harness is one user's Manager with every collaborator faked.
type harness struct {
	self    string
	manager *Manager
	rec     *recorder
	factory *peertest.Factory
	timers  *fakeTimers
	player  *fakePlayer
	denied  *atomic.Bool
}

func newManager(t *testing.T, self string, cfg config.Config, sig Signaling) *harness {
	t.Helper()
	h := &harness{
		self:    self,
		factory: &peertest.Factory{},
		timers:  &fakeTimers{},
		player:  &fakePlayer{},
		denied:  atomic.NewBool(false),
	}
	source := &media.SampleSource{Authorize: func(ctx context.Context, constraints media.Constraints) error {
		if h.denied.Load() {
			return errors.New("user said no")
		}
		return nil
	}}
	m, err := NewManager(Options{
		Config:      cfg,
		Signaling:   sig,
		Media:       source,
		Ringtone:    h.player,
		PeerFactory: h.factory.New,
		AfterFunc:   h.timers.afterFunc,
		Logger:      golog.NewTestLogger(t).Named(self),
	})
	test.That(t, err, test.ShouldBeNil)
	h.manager = m
	return h
}

func newHarness(t *testing.T, self string, cfg config.Config) *harness {
	t.Helper()
	rec := newRecorder(self)
	h := newManager(t, self, cfg, rec)
	h.rec = rec
	t.Cleanup(func() {
		test.That(t, h.manager.Close(), test.ShouldBeNil)
	})
	return h
}

// inLoop runs f on the manager's event loop. Everything queued before it has
// been handled by the time it returns.
func inLoop[T any](t testing.TB, h *harness, f func(m *Manager) T) T {
	t.Helper()
	value, err := call(context.Background(), h.manager, func() (T, error) {
		return f(h.manager), nil
	})
	test.That(t, err, test.ShouldBeNil)
	return value
}

func (h *harness) session(t testing.TB) *CallSession {
	t.Helper()
	s, err := h.manager.Session(context.Background())
	test.That(t, err, test.ShouldBeNil)
	return s
}

func (h *harness) incoming(t testing.TB) *IncomingCall {
	t.Helper()
	inc, err := h.manager.Incoming(context.Background())
	test.That(t, err, test.ShouldBeNil)
	return inc
}

func (h *harness) poolLen(t testing.TB) int {
	return inLoop(t, h, func(m *Manager) int { return m.pool.Len() })
}

func (h *harness) tracks(t testing.TB) []*media.LocalTrack {
	return inLoop(t, h, func(m *Manager) []*media.LocalTrack { return m.media.Tracks() })
}

func (h *harness) mediaActive(t testing.TB) bool {
	return inLoop(t, h, func(m *Manager) bool { return m.media.Active() })
}

func (h *harness) attempts(t testing.TB, participantID string) int {
	return inLoop(t, h, func(m *Manager) int { return m.escalation.Attempts(participantID) })
}

func (h *harness) ringing() bool {
	playing, _ := h.player.state()
	return playing
}

// remoteOffer is an offer from a connection of its own, as a remote
// participant would send.
func remoteOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	conn, err := (&peertest.Factory{}).New(webrtc.Configuration{})
	test.That(t, err, test.ShouldBeNil)
	offer, err := conn.CreateOffer(nil)
	test.That(t, err, test.ShouldBeNil)
	return offer
}

func incomingCall(callID, callerID string, callType signaling.CallType, receivers ...string) signaling.CallIncoming {
	return signaling.CallIncoming{CallDetails: signaling.CallDetails{
		CallID:      callID,
		CallerID:    callerID,
		CallerName:  "Ada",
		ReceiverIDs: receivers,
		RoomID:      "room1",
		CallType:    callType,
		IsGroup:     len(receivers) > 1,
	}}
}

// startAccepted has h call receivers and each of them accept, in order.
func startAccepted(t *testing.T, h *harness, callType signaling.CallType, receivers ...string) string {
	t.Helper()
	ctx := context.Background()
	callID, err := h.manager.StartCall(ctx, receivers, "room1", callType, len(receivers) > 1)
	test.That(t, err, test.ShouldBeNil)
	participants := []string{h.self}
	for _, id := range receivers {
		participants = append(participants, id)
		h.manager.HandleEvent(signaling.CallAccepted{
			CallID:       callID,
			UserID:       id,
			Participants: append([]string(nil), participants...),
		})
	}
	test.That(t, h.session(t).Status, test.ShouldEqual, StatusActive)
	return callID
}
