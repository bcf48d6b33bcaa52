package peer_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/viamrobotics/webrtc/v3"
	"go.viam.com/test"

	"github.com/huddlechat/callcore/config"
	"github.com/huddlechat/callcore/media"
	"github.com/huddlechat/callcore/peer"
	"github.com/huddlechat/callcore/peer/peertest"
	"github.com/huddlechat/callcore/signaling"
	"github.com/huddlechat/callcore/testutils"
)

type stateChange struct {
	participantID, callID string
	state                 webrtc.ICEConnectionState
}

type recordingObserver struct {
	mu      sync.Mutex
	states  []stateChange
	streams []string
}

func (o *recordingObserver) ICEConnectionStateChanged(participantID, callID string, state webrtc.ICEConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, stateChange{participantID, callID, state})
}

func (o *recordingObserver) RemoteStreamsChanged(participantID, callID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.streams = append(o.streams, participantID)
}

type harness struct {
	pool     *peer.Pool
	factory  *peertest.Factory
	signaler *peertest.Signaler
	observer *recordingObserver
	media    *media.Controller
}

func newHarness(t *testing.T, cfg config.Config, callType signaling.CallType) *harness {
	t.Helper()
	logger := golog.NewTestLogger(t)
	h := &harness{
		factory:  &peertest.Factory{},
		signaler: &peertest.Signaler{},
		observer: &recordingObserver{},
		media:    media.NewController(&media.SampleSource{}, logger),
	}
	_, err := h.media.Acquire(context.Background(), callType)
	test.That(t, err, test.ShouldBeNil)
	h.pool = peer.NewPool(peer.Options{
		Config:   cfg,
		Factory:  h.factory.New,
		Signaler: h.signaler,
		Tracks:   h.media,
		Observer: h.observer,
		Logger:   logger,
	})
	t.Cleanup(func() {
		test.That(t, h.pool.Close(), test.ShouldBeNil)
		h.media.Release()
	})
	return h
}

// offerFrom has another pool produce an offer to toID.
func offerFrom(t *testing.T, remote *harness, toID, callID string, opts peer.OfferOptions) webrtc.SessionDescription {
	t.Helper()
	test.That(t, remote.pool.CreateAndSendOffer(context.Background(), toID, callID, opts), test.ShouldBeNil)
	offers := remote.signaler.Offers()
	return offers[len(offers)-1].Description
}

func TestPoolEnsure(t *testing.T) {
	cfg := config.Default()
	cfg.TURNURL = "turn:turn.example.com:3478"
	cfg.TURNUsername = "user"
	cfg.TURNCredential = "pass"
	h := newHarness(t, cfg, signaling.CallTypeVoice)

	test.That(t, h.pool.Ensure("u2", "c1", false), test.ShouldBeNil)
	test.That(t, h.pool.Ensure("u2", "c1", false), test.ShouldBeNil)
	test.That(t, h.pool.Len(), test.ShouldEqual, 1)
	test.That(t, h.factory.Conns(), test.ShouldHaveLength, 1)

	first := h.factory.Last()
	test.That(t, first.Tracks(), test.ShouldHaveLength, 1)
	test.That(t, first.RelayOnly(), test.ShouldBeFalse)
	servers := first.Config.ICEServers
	test.That(t, servers, test.ShouldHaveLength, len(peer.DefaultICEServers)+1)
	test.That(t, servers[len(servers)-1].URLs, test.ShouldResemble, []string{"turn:turn.example.com:3478"})
	test.That(t, servers[len(servers)-1].Username, test.ShouldEqual, "user")

	t.Run("still connecting is usable", func(t *testing.T) {
		first.SetICEState(webrtc.ICEConnectionStateChecking)
		test.That(t, h.pool.Ensure("u2", "c1", false), test.ShouldBeNil)
		test.That(t, h.factory.Conns(), test.ShouldHaveLength, 1)
	})

	t.Run("relay-only replaces", func(t *testing.T) {
		test.That(t, h.pool.Ensure("u2", "c1", true), test.ShouldBeNil)
		test.That(t, first.Closed(), test.ShouldBeTrue)
		test.That(t, h.factory.Last().RelayOnly(), test.ShouldBeTrue)
		test.That(t, h.pool.Len(), test.ShouldEqual, 1)
	})

	t.Run("failed replaces", func(t *testing.T) {
		failed := h.factory.Last()
		failed.SetICEState(webrtc.ICEConnectionStateFailed)
		test.That(t, h.pool.Ensure("u2", "c1", false), test.ShouldBeNil)
		test.That(t, failed.Closed(), test.ShouldBeTrue)
		test.That(t, h.factory.Conns(), test.ShouldHaveLength, 3)
	})

	t.Run("other call replaces", func(t *testing.T) {
		old := h.factory.Last()
		test.That(t, h.pool.Ensure("u2", "c2", false), test.ShouldBeNil)
		test.That(t, old.Closed(), test.ShouldBeTrue)
		test.That(t, h.pool.Len(), test.ShouldEqual, 1)
	})

	t.Run("factory failure", func(t *testing.T) {
		h.factory.Err = errors.New("no sockets")
		defer func() { h.factory.Err = nil }()
		err := h.pool.Ensure("u3", "c2", false)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "no sockets")
		test.That(t, h.pool.Len(), test.ShouldEqual, 1)
	})
}

func TestPoolGlobalForceRelay(t *testing.T) {
	cfg := config.Default()
	cfg.TURNURL = "turn:turn.example.com:3478"
	cfg.ForceRelay = true
	h := newHarness(t, cfg, signaling.CallTypeVoice)

	test.That(t, h.pool.Ensure("u2", "c1", false), test.ShouldBeNil)
	test.That(t, h.factory.Last().RelayOnly(), test.ShouldBeTrue)
}

func TestPoolOffer(t *testing.T) {
	t.Run("voice", func(t *testing.T) {
		h := newHarness(t, config.Default(), signaling.CallTypeVoice)
		test.That(t, h.pool.CreateAndSendOffer(context.Background(), "u2", "c1", peer.OfferOptions{}), test.ShouldBeNil)

		offers := h.signaler.Offers()
		test.That(t, offers, test.ShouldHaveLength, 1)
		test.That(t, offers[0].To, test.ShouldEqual, "u2")
		test.That(t, offers[0].CallID, test.ShouldEqual, "c1")
		test.That(t, offers[0].Description.Type, test.ShouldEqual, webrtc.SDPTypeOffer)
		test.That(t, offers[0].Description.SDP, test.ShouldContainSubstring, "m=audio")
		test.That(t, offers[0].Description.SDP, test.ShouldNotContainSubstring, "m=video")
	})

	t.Run("video", func(t *testing.T) {
		h := newHarness(t, config.Default(), signaling.CallTypeVideo)
		test.That(t, h.pool.CreateAndSendOffer(context.Background(), "u2", "c1", peer.OfferOptions{}), test.ShouldBeNil)
		sdp := h.signaler.Offers()[0].Description.SDP
		test.That(t, sdp, test.ShouldContainSubstring, "m=audio")
		test.That(t, sdp, test.ShouldContainSubstring, "m=video")
	})

	t.Run("ice restart", func(t *testing.T) {
		h := newHarness(t, config.Default(), signaling.CallTypeVoice)
		ctx := context.Background()
		test.That(t, h.pool.CreateAndSendOffer(ctx, "u2", "c1", peer.OfferOptions{}), test.ShouldBeNil)
		conn := h.factory.Last()
		test.That(t, h.pool.CreateAndSendOffer(ctx, "u2", "c1", peer.OfferOptions{ICERestart: true}), test.ShouldBeNil)

		test.That(t, h.factory.Conns(), test.ShouldHaveLength, 1)
		test.That(t, conn.OfferOptions(), test.ShouldResemble, []webrtc.OfferOptions{{}, {ICERestart: true}})
	})

	t.Run("force relay recreates", func(t *testing.T) {
		cfg := config.Default()
		cfg.TURNURL = "turn:turn.example.com:3478"
		h := newHarness(t, cfg, signaling.CallTypeVoice)
		ctx := context.Background()
		test.That(t, h.pool.CreateAndSendOffer(ctx, "u2", "c1", peer.OfferOptions{}), test.ShouldBeNil)
		first := h.factory.Last()

		opts := peer.OfferOptions{ICERestart: true, ForceRelay: true}
		test.That(t, h.pool.CreateAndSendOffer(ctx, "u2", "c1", opts), test.ShouldBeNil)
		second := h.factory.Last()
		test.That(t, first.Closed(), test.ShouldBeTrue)
		test.That(t, second.RelayOnly(), test.ShouldBeTrue)
		test.That(t, second.OfferOptions(), test.ShouldResemble, []webrtc.OfferOptions{{ICERestart: true}})

		// even an already relay-only connection is replaced
		test.That(t, h.pool.CreateAndSendOffer(ctx, "u2", "c1", opts), test.ShouldBeNil)
		test.That(t, second.Closed(), test.ShouldBeTrue)
		test.That(t, h.factory.Conns(), test.ShouldHaveLength, 3)
		test.That(t, h.pool.Len(), test.ShouldEqual, 1)
	})
}

func TestPoolHandleOffer(t *testing.T) {
	ctx := context.Background()
	caller := newHarness(t, config.Default(), signaling.CallTypeVoice)
	callee := newHarness(t, config.Default(), signaling.CallTypeVoice)

	offer := offerFrom(t, caller, "u2", "c1", peer.OfferOptions{})
	test.That(t, callee.pool.HandleOffer(ctx, "u1", "c1", offer), test.ShouldBeNil)
	conn := callee.factory.Last()
	test.That(t, conn.SetRemoteDescriptionCalls(), test.ShouldEqual, 1)
	answers := callee.signaler.Answers()
	test.That(t, answers, test.ShouldHaveLength, 1)
	test.That(t, answers[0].To, test.ShouldEqual, "u1")
	test.That(t, answers[0].Description.Type, test.ShouldEqual, webrtc.SDPTypeAnswer)

	t.Run("duplicate offer is ignored", func(t *testing.T) {
		test.That(t, callee.pool.HandleOffer(ctx, "u1", "c1", offer), test.ShouldBeNil)
		test.That(t, conn.SetRemoteDescriptionCalls(), test.ShouldEqual, 1)
		test.That(t, callee.signaler.Answers(), test.ShouldHaveLength, 1)
		test.That(t, callee.factory.Conns(), test.ShouldHaveLength, 1)
	})

	t.Run("restart from the same peer renegotiates", func(t *testing.T) {
		test.That(t, caller.pool.HandleAnswer("u2", "c1", answers[0].Description), test.ShouldBeNil)
		restart := offerFrom(t, caller, "u2", "c1", peer.OfferOptions{ICERestart: true})
		test.That(t, callee.pool.HandleOffer(ctx, "u1", "c1", restart), test.ShouldBeNil)
		test.That(t, callee.factory.Conns(), test.ShouldHaveLength, 1)
		test.That(t, conn.SetRemoteDescriptionCalls(), test.ShouldEqual, 2)
		test.That(t, callee.signaler.Answers(), test.ShouldHaveLength, 2)
	})

	t.Run("offer from a recreated peer replaces", func(t *testing.T) {
		test.That(t, caller.pool.HandleAnswer("u2", "c1", callee.signaler.Answers()[1].Description), test.ShouldBeNil)
		recreated := offerFrom(t, caller, "u2", "c1", peer.OfferOptions{ICERestart: true, ForceRelay: true})
		test.That(t, callee.pool.HandleOffer(ctx, "u1", "c1", recreated), test.ShouldBeNil)
		test.That(t, conn.Closed(), test.ShouldBeTrue)
		test.That(t, callee.factory.Conns(), test.ShouldHaveLength, 2)
		test.That(t, callee.pool.Len(), test.ShouldEqual, 1)
		test.That(t, callee.signaler.Answers(), test.ShouldHaveLength, 3)
	})
}

func TestPoolHandleAnswer(t *testing.T) {
	ctx := context.Background()
	caller := newHarness(t, config.Default(), signaling.CallTypeVoice)
	callee := newHarness(t, config.Default(), signaling.CallTypeVoice)

	// no connection yet
	test.That(t, caller.pool.HandleAnswer("u2", "c1", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}), test.ShouldBeNil)
	test.That(t, caller.pool.Len(), test.ShouldEqual, 0)

	offer := offerFrom(t, caller, "u2", "c1", peer.OfferOptions{})
	test.That(t, callee.pool.HandleOffer(ctx, "u1", "c1", offer), test.ShouldBeNil)
	answer := callee.signaler.Answers()[0].Description

	conn := caller.factory.Last()
	test.That(t, caller.pool.HandleAnswer("u2", "other", answer), test.ShouldBeNil)
	test.That(t, conn.SetRemoteDescriptionCalls(), test.ShouldEqual, 0)

	test.That(t, caller.pool.HandleAnswer("u2", "c1", answer), test.ShouldBeNil)
	test.That(t, conn.SetRemoteDescriptionCalls(), test.ShouldEqual, 1)
	test.That(t, conn.SignalingState(), test.ShouldEqual, webrtc.SignalingStateStable)

	// no longer have-local-offer
	test.That(t, caller.pool.HandleAnswer("u2", "c1", answer), test.ShouldBeNil)
	test.That(t, conn.SetRemoteDescriptionCalls(), test.ShouldEqual, 1)
}

func TestPoolCandidates(t *testing.T) {
	ctx := context.Background()
	candidate := func(n string) webrtc.ICECandidateInit {
		return webrtc.ICECandidateInit{Candidate: "candidate:" + n}
	}

	t.Run("early candidates are replayed", func(t *testing.T) {
		caller := newHarness(t, config.Default(), signaling.CallTypeVoice)
		callee := newHarness(t, config.Default(), signaling.CallTypeVoice)

		// candidates for a newer call replace those of an older one
		test.That(t, callee.pool.HandleCandidate("u1", "stale", candidate("x")), test.ShouldBeNil)
		test.That(t, callee.pool.HandleCandidate("u1", "c1", candidate("1")), test.ShouldBeNil)
		test.That(t, callee.pool.HandleCandidate("u1", "c1", candidate("2")), test.ShouldBeNil)
		test.That(t, callee.pool.Len(), test.ShouldEqual, 0)

		offer := offerFrom(t, caller, "u2", "c1", peer.OfferOptions{})
		test.That(t, callee.pool.HandleOffer(ctx, "u1", "c1", offer), test.ShouldBeNil)
		conn := callee.factory.Last()
		test.That(t, conn.Candidates(), test.ShouldResemble, []webrtc.ICECandidateInit{candidate("1"), candidate("2")})

		test.That(t, callee.pool.HandleCandidate("u1", "c1", candidate("3")), test.ShouldBeNil)
		test.That(t, conn.Candidates(), test.ShouldHaveLength, 3)
	})

	t.Run("candidates wait for the answer", func(t *testing.T) {
		caller := newHarness(t, config.Default(), signaling.CallTypeVoice)
		callee := newHarness(t, config.Default(), signaling.CallTypeVoice)
		offer := offerFrom(t, caller, "u2", "c1", peer.OfferOptions{})
		test.That(t, caller.pool.HandleCandidate("u2", "c1", candidate("1")), test.ShouldBeNil)
		test.That(t, caller.factory.Last().Candidates(), test.ShouldBeEmpty)

		test.That(t, callee.pool.HandleOffer(ctx, "u1", "c1", offer), test.ShouldBeNil)
		test.That(t, caller.pool.HandleAnswer("u2", "c1", callee.signaler.Answers()[0].Description), test.ShouldBeNil)
		test.That(t, caller.factory.Last().Candidates(), test.ShouldResemble, []webrtc.ICECandidateInit{candidate("1")})
	})

	t.Run("buffer is bounded", func(t *testing.T) {
		caller := newHarness(t, config.Default(), signaling.CallTypeVoice)
		callee := newHarness(t, config.Default(), signaling.CallTypeVoice)
		for i := 0; i < 100; i++ {
			test.That(t, callee.pool.HandleCandidate("u1", "c1", candidate(strings.Repeat("a", i))), test.ShouldBeNil)
		}
		offer := offerFrom(t, caller, "u2", "c1", peer.OfferOptions{})
		test.That(t, callee.pool.HandleOffer(ctx, "u1", "c1", offer), test.ShouldBeNil)
		test.That(t, callee.factory.Last().Candidates(), test.ShouldHaveLength, 64)
	})

	t.Run("buffering disabled drops", func(t *testing.T) {
		cfg := config.Default()
		cfg.BufferEarlyCandidates = false
		caller := newHarness(t, config.Default(), signaling.CallTypeVoice)
		callee := newHarness(t, cfg, signaling.CallTypeVoice)

		test.That(t, callee.pool.HandleCandidate("u1", "c1", candidate("1")), test.ShouldBeNil)
		offer := offerFrom(t, caller, "u2", "c1", peer.OfferOptions{})
		test.That(t, callee.pool.HandleOffer(ctx, "u1", "c1", offer), test.ShouldBeNil)
		test.That(t, callee.factory.Last().Candidates(), test.ShouldBeEmpty)
	})

	t.Run("local candidates are trickled", func(t *testing.T) {
		h := newHarness(t, config.Default(), signaling.CallTypeVoice)
		test.That(t, h.pool.CreateAndSendOffer(ctx, "u2", "c1", peer.OfferOptions{}), test.ShouldBeNil)
		conn := h.factory.Last()
		conn.EmitCandidate(candidate("local"))
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			sent := h.signaler.Candidates()
			test.That(tb, sent, test.ShouldHaveLength, 1)
			test.That(tb, sent[0], test.ShouldResemble, peertest.Message{CallID: "c1", To: "u2", Candidate: candidate("local")})
		})

		test.That(t, h.pool.Remove("u2"), test.ShouldBeNil)
		conn.EmitCandidate(candidate("late"))
		test.That(t, h.pool.Close(), test.ShouldBeNil)
		test.That(t, h.signaler.Candidates(), test.ShouldHaveLength, 1)
	})
}

func TestPoolRemoteStreams(t *testing.T) {
	h := newHarness(t, config.Default(), signaling.CallTypeVideo)
	test.That(t, h.pool.Ensure("u2", "c1", false), test.ShouldBeNil)
	test.That(t, h.pool.Ensure("u3", "c1", false), test.ShouldBeNil)
	u2, u3 := h.factory.Conns()[0], h.factory.Conns()[1]

	u2.EmitTrack(peertest.Track{TrackID: "a2", Stream: "s2", TrackKind: webrtc.RTPCodecTypeAudio})
	u2.EmitTrack(peertest.Track{TrackID: "v2", Stream: "s2", TrackKind: webrtc.RTPCodecTypeVideo})
	u3.EmitTrack(peertest.Track{TrackID: "a3", Stream: "s3", TrackKind: webrtc.RTPCodecTypeAudio})

	streams := h.pool.RemoteStreams()
	test.That(t, streams, test.ShouldHaveLength, 2)
	test.That(t, streams["u2"].StreamID, test.ShouldEqual, "s2")
	test.That(t, streams["u2"].Tracks, test.ShouldHaveLength, 2)
	test.That(t, streams["u3"].Tracks, test.ShouldHaveLength, 1)
	test.That(t, streams["u2"].Enabled, test.ShouldBeTrue)
	test.That(t, streams["u3"].Enabled, test.ShouldBeTrue)
	h.observer.mu.Lock()
	test.That(t, h.observer.streams, test.ShouldResemble, []string{"u2", "u2", "u3"})
	h.observer.mu.Unlock()

	u2.SetICEState(webrtc.ICEConnectionStateConnected)
	state, ok := h.pool.ICEConnectionState("u2")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, state, test.ShouldEqual, webrtc.ICEConnectionStateConnected)
	h.observer.mu.Lock()
	test.That(t, h.observer.states, test.ShouldResemble, []stateChange{{"u2", "c1", webrtc.ICEConnectionStateConnected}})
	h.observer.mu.Unlock()

	test.That(t, h.pool.Remove("u2"), test.ShouldBeNil)
	test.That(t, u2.Closed(), test.ShouldBeTrue)
	test.That(t, h.pool.RemoteStreams(), test.ShouldHaveLength, 1)
	_, ok = h.pool.ICEConnectionState("u2")
	test.That(t, ok, test.ShouldBeFalse)

	// callbacks from a removed connection are ignored
	u2.EmitTrack(peertest.Track{TrackID: "a2", Stream: "s2", TrackKind: webrtc.RTPCodecTypeAudio})
	u2.SetICEState(webrtc.ICEConnectionStateFailed)
	test.That(t, h.pool.RemoteStreams(), test.ShouldHaveLength, 1)
	h.observer.mu.Lock()
	test.That(t, h.observer.states, test.ShouldHaveLength, 1)
	h.observer.mu.Unlock()

	test.That(t, h.pool.CloseAll(), test.ShouldBeNil)
	test.That(t, h.pool.CloseAll(), test.ShouldBeNil)
	test.That(t, u3.Closed(), test.ShouldBeTrue)
	test.That(t, h.pool.Len(), test.ShouldEqual, 0)
	test.That(t, h.pool.RemoteStreams(), test.ShouldBeEmpty)
	test.That(t, h.pool.Remove("u3"), test.ShouldBeNil)
}

func TestPoolStatesWithoutConnection(t *testing.T) {
	h := newHarness(t, config.Default(), signaling.CallTypeVoice)

	iceState, ok := h.pool.ICEConnectionState("u2")
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, iceState, test.ShouldEqual, webrtc.ICEConnectionState(0))
	signalingState, ok := h.pool.SignalingState("u2")
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, signalingState, test.ShouldEqual, webrtc.SignalingState(0))

	test.That(t, h.pool.Ensure("u2", "c1", false), test.ShouldBeNil)
	iceState, ok = h.pool.ICEConnectionState("u2")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, iceState, test.ShouldEqual, webrtc.ICEConnectionStateNew)
	signalingState, ok = h.pool.SignalingState("u2")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, signalingState, test.ShouldEqual, webrtc.SignalingStateStable)
}

func TestConfiguration(t *testing.T) {
	cfg := config.Default()
	conf := peer.Configuration(cfg, false)
	test.That(t, conf.ICEServers, test.ShouldResemble, peer.DefaultICEServers)
	test.That(t, conf.ICETransportPolicy, test.ShouldEqual, webrtc.ICETransportPolicyAll)

	conf = peer.Configuration(cfg, true)
	test.That(t, conf.ICETransportPolicy, test.ShouldEqual, webrtc.ICETransportPolicyRelay)

	// the defaults are never mutated
	cfg.TURNURL = "turns:turn.example.com:5349"
	conf = peer.Configuration(cfg, false)
	conf.ICEServers[0].URLs = nil
	test.That(t, peer.DefaultICEServers[0].URLs, test.ShouldNotBeEmpty)
}
