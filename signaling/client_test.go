package signaling

import (
	"context"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/viamrobotics/webrtc/v3"
	"go.viam.com/test"

	"github.com/huddlechat/callcore"
	"github.com/huddlechat/callcore/testutils"
)

type recordingHandler struct {
	mu          sync.Mutex
	events      []Event
	disconnects []error
}

func (h *recordingHandler) HandleEvent(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) HandleDisconnect(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, err)
}

func (h *recordingHandler) snapshot() ([]Event, []error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...), append([]error(nil), h.disconnects...)
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)
	hub := NewMemoryHub(logger)

	caller := NewClient(hub.Connect("u1"), logger)
	defer caller.Close()
	callee := NewClient(hub.Connect("u2"), logger)
	defer callee.Close()

	var callerEvents, calleeEvents recordingHandler
	test.That(t, caller.Start(&callerEvents), test.ShouldBeNil)
	test.That(t, callee.Start(&calleeEvents), test.ShouldBeNil)
	test.That(t, caller.UserID(), test.ShouldEqual, "u1")
	test.That(t, caller.Connected(), test.ShouldBeTrue)

	test.That(t, caller.StartCall(ctx, testDetails()), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		events, _ := calleeEvents.snapshot()
		test.That(tb, events, test.ShouldResemble, []Event{CallIncoming{testDetails()}})
	})

	test.That(t, callee.Accept(ctx, "c1"), test.ShouldBeNil)
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	test.That(t, caller.Offer(ctx, "c1", "u2", desc), test.ShouldBeNil)
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	test.That(t, callee.Answer(ctx, "c1", "u1", answer), test.ShouldBeNil)
	test.That(t, callee.Candidate(ctx, "c1", "u1", webrtc.ICECandidateInit{Candidate: "candidate:1"}), test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		events, _ := callerEvents.snapshot()
		test.That(tb, events, test.ShouldResemble, []Event{
			CallAccepted{CallID: "c1", UserID: "u2", Participants: []string{"u1", "u2"}},
			CallAnswer{CallID: "c1", Answer: answer, From: "u2", To: "u1"},
			CallICECandidate{CallID: "c1", Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1"}, From: "u2", To: "u1"},
		})
	})
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		events, _ := calleeEvents.snapshot()
		test.That(tb, events, test.ShouldHaveLength, 3)
		test.That(tb, events[2], test.ShouldResemble, CallOffer{CallID: "c1", Offer: desc, From: "u1", To: "u2"})
	})

	test.That(t, caller.End(ctx, "c1"), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		events, _ := calleeEvents.snapshot()
		test.That(tb, events, test.ShouldHaveLength, 4)
		test.That(tb, events[3], test.ShouldResemble, CallEnded{CallID: "c1", UserID: "u1"})
	})
}

func TestClientDisconnect(t *testing.T) {
	logger := golog.NewTestLogger(t)
	hub := NewMemoryHub(logger)
	relay := hub.Connect("u1")
	client := NewClient(relay, logger)
	defer client.Close()

	var handler recordingHandler
	test.That(t, client.Start(&handler), test.ShouldBeNil)

	// losing the relay underneath the client is reported once
	test.That(t, relay.Close(), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		_, disconnects := handler.snapshot()
		test.That(tb, disconnects, test.ShouldHaveLength, 1)
		test.That(tb, disconnects[0], test.ShouldEqual, ErrNotConnected)
	})
	test.That(t, client.Connected(), test.ShouldBeFalse)
	test.That(t, client.Reject(context.Background(), "c1"), test.ShouldEqual, ErrNotConnected)
}

func TestClientCloseIsQuiet(t *testing.T) {
	logger := golog.NewTestLogger(t)
	hub := NewMemoryHub(logger)
	client := NewClient(hub.Connect("u1"), logger)

	var handler recordingHandler
	test.That(t, client.Start(&handler), test.ShouldBeNil)
	test.That(t, client.Close(), test.ShouldBeNil)

	_, disconnects := handler.snapshot()
	test.That(t, disconnects, test.ShouldBeEmpty)
	test.That(t, client.Start(&handler), test.ShouldEqual, callcore.ErrStoppableWorkersAlreadyStopped)
}

func TestAddressedTo(t *testing.T) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	test.That(t, addressedTo(CallOffer{CallID: "c1", Offer: desc, From: "u2", To: "u1"}, "u1"), test.ShouldBeTrue)
	test.That(t, addressedTo(CallOffer{CallID: "c1", Offer: desc, From: "u2", To: "u3"}, "u1"), test.ShouldBeFalse)
	test.That(t, addressedTo(CallICECandidate{CallID: "c1", From: "u1", To: "u1"}, "u1"), test.ShouldBeFalse)
	test.That(t, addressedTo(CallEnded{CallID: "c1", UserID: "u2"}, "u1"), test.ShouldBeTrue)
}
