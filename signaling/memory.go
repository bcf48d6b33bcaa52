package signaling

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/gammazero/deque"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/huddlechat/callcore"
)

// A MemoryHub is an in-process relay. It applies the same fan-out rules a real
// relay does and is used for tests and loopback runs.
type MemoryHub struct {
	mu     sync.Mutex
	relays map[string]*MemoryRelay
	calls  map[string]*hubCall
	logger golog.Logger
}

type hubCall struct {
	details      CallDetails
	pending      callcore.StringSet
	participants []string
}

func (c *hubCall) member(userID string) bool {
	if userID == c.details.CallerID {
		return true
	}
	for _, id := range c.details.ReceiverIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *hubCall) everyone() []string {
	out := append([]string(nil), c.participants...)
	for _, id := range c.details.ReceiverIDs {
		if _, ok := c.pending[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub(logger golog.Logger) *MemoryHub {
	return &MemoryHub{
		relays: map[string]*MemoryRelay{},
		calls:  map[string]*hubCall{},
		logger: logger,
	}
}

// Connect attaches userID to the hub, replacing any relay already connected as
// that user.
func (h *MemoryHub) Connect(userID string) *MemoryRelay {
	r := &MemoryRelay{
		hub:     h,
		userID:  userID,
		notify:  make(chan struct{}, 1),
		events:  make(chan Event),
		workers: callcore.NewStoppableWorkers(context.Background()),
	}
	r.connected.Store(true)

	h.mu.Lock()
	old := h.relays[userID]
	h.relays[userID] = r
	h.mu.Unlock()
	if old != nil {
		callcore.UncheckedError(old.Close())
	}

	callcore.UncheckedError(r.workers.Add(r.pump))
	return r
}

// ActiveCalls returns how many calls the hub is tracking.
func (h *MemoryHub) ActiveCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// Participants returns the joined users of a call, or nil if the hub does not
// know it.
func (h *MemoryHub) Participants(callID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	call, ok := h.calls[callID]
	if !ok {
		return nil
	}
	return append([]string(nil), call.participants...)
}

func (h *MemoryHub) disconnect(r *MemoryRelay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.relays[r.userID] != r {
		return
	}
	delete(h.relays, r.userID)
	for callID, call := range h.calls {
		if call.member(r.userID) {
			h.leave(callID, call, r.userID)
		}
	}
}

// route applies one client event. It must not block on recipients.
func (h *MemoryHub) route(from string, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if start, ok := ev.(CallStart); ok {
		if start.CallerID != from {
			return errors.Wrapf(ErrInvalidPayload, "caller %q does not match sender %q", start.CallerID, from)
		}
		if _, exists := h.calls[start.CallID]; exists {
			return errors.Wrapf(ErrInvalidPayload, "call %q already exists", start.CallID)
		}
		h.calls[start.CallID] = &hubCall{
			details:      start.CallDetails,
			pending:      callcore.NewStringSet(start.ReceiverIDs...),
			participants: []string{from},
		}
		for _, id := range start.ReceiverIDs {
			h.deliver(id, CallIncoming{start.CallDetails})
		}
		return nil
	}

	call, ok := h.calls[ev.EventCallID()]
	if !ok || !call.member(from) {
		h.logger.Debugw("dropping event for unknown call", "event", ev.EventName(), "call_id", ev.EventCallID(), "from", from)
		return nil
	}

	switch e := ev.(type) {
	case CallAccept:
		if !call.pending.Has(from) {
			h.logger.Debugw("ignoring accept from non-pending user", "call_id", e.CallID, "from", from)
			return nil
		}
		delete(call.pending, from)
		call.participants = append(call.participants, from)
		for _, id := range call.participants {
			h.deliver(id, CallAccepted{
				CallID:       e.CallID,
				UserID:       from,
				Participants: append([]string(nil), call.participants...),
			})
		}
	case CallReject:
		if !call.pending.Has(from) {
			return nil
		}
		h.reject(e.CallID, call, from)
	case CallEnd:
		h.leave(e.CallID, call, from)
	case CallOffer:
		return h.forward(call, from, e.From, e.To, e)
	case CallAnswer:
		return h.forward(call, from, e.From, e.To, e)
	case CallICECandidate:
		return h.forward(call, from, e.From, e.To, e)
	default:
		return errors.Wrapf(ErrInvalidPayload, "%s is not a client event", ev.EventName())
	}
	return nil
}

func (h *MemoryHub) reject(callID string, call *hubCall, userID string) {
	delete(call.pending, userID)
	for _, id := range call.participants {
		h.deliver(id, CallRejected{CallID: callID, UserID: userID})
	}
	if !call.details.IsGroup || (len(call.pending) == 0 && len(call.participants) == 1) {
		delete(h.calls, callID)
	}
}

func (h *MemoryHub) leave(callID string, call *hubCall, userID string) {
	if call.pending.Has(userID) {
		h.reject(callID, call, userID)
		return
	}
	call.participants = callcore.StringSliceRemove(call.participants, userID)
	if call.details.IsGroup && len(call.participants) >= 2 {
		for _, id := range call.participants {
			h.deliver(id, CallParticipantLeft{
				CallID:       callID,
				UserID:       userID,
				Participants: append([]string(nil), call.participants...),
			})
		}
		return
	}
	for _, id := range call.everyone() {
		h.deliver(id, CallEnded{CallID: callID, UserID: userID})
	}
	delete(h.calls, callID)
}

func (h *MemoryHub) forward(call *hubCall, sender, from, to string, ev Event) error {
	if from != sender {
		return errors.Wrapf(ErrInvalidPayload, "from %q does not match sender %q", from, sender)
	}
	if to == sender || !call.member(to) {
		h.logger.Debugw("dropping misaddressed event", "event", ev.EventName(), "from", from, "to", to)
		return nil
	}
	h.deliver(to, ev)
	return nil
}

func (h *MemoryHub) deliver(userID string, ev Event) {
	r, ok := h.relays[userID]
	if !ok {
		h.logger.Debugw("recipient offline", "event", ev.EventName(), "to", userID)
		return
	}
	raw, err := Encode(ev)
	if err != nil {
		h.logger.Errorw("error encoding event", "event", ev.EventName(), "error", err)
		return
	}
	r.enqueue(raw)
}

// A MemoryRelay is one user's connection to a MemoryHub.
type MemoryRelay struct {
	hub    *MemoryHub
	userID string

	mu     sync.Mutex
	queue  deque.Deque[[]byte]
	notify chan struct{}
	events chan Event

	connected atomic.Bool
	closeOnce sync.Once
	workers   *callcore.StoppableWorkers
}

// UserID returns the user this relay is connected as.
func (r *MemoryRelay) UserID() string {
	return r.userID
}

// Send hands an event to the hub.
func (r *MemoryRelay) Send(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.connected.Load() {
		return ErrNotConnected
	}
	raw, err := Encode(ev)
	if err != nil {
		return err
	}
	// the hub works on its own copy, as it would after a network hop
	decoded, err := Decode(raw)
	if err != nil {
		return err
	}
	return r.hub.route(r.userID, decoded)
}

// Events returns the events delivered to this user.
func (r *MemoryRelay) Events() <-chan Event {
	return r.events
}

// Connected reports whether the relay is still attached to the hub.
func (r *MemoryRelay) Connected() bool {
	return r.connected.Load()
}

// Err is always nil; a memory relay only disconnects when closed.
func (r *MemoryRelay) Err() error {
	return nil
}

// Close detaches from the hub. Calls the user takes part in are left as if
// the user hung up.
func (r *MemoryRelay) Close() error {
	r.closeOnce.Do(func() {
		r.connected.Store(false)
		r.hub.disconnect(r)
		r.workers.Stop()
	})
	return nil
}

func (r *MemoryRelay) enqueue(raw []byte) {
	r.mu.Lock()
	r.queue.PushBack(raw)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *MemoryRelay) dequeue() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue.Len() == 0 {
		return nil, false
	}
	return r.queue.PopFront(), true
}

func (r *MemoryRelay) pump(ctx context.Context) {
	defer close(r.events)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.notify:
		}
		for {
			raw, ok := r.dequeue()
			if !ok {
				break
			}
			ev, err := Decode(raw)
			if err != nil {
				r.hub.logger.Errorw("error decoding event", "to", r.userID, "error", err)
				continue
			}
			select {
			case r.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
