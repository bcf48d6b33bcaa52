package signaling

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/viamrobotics/webrtc/v3"

	"github.com/huddlechat/callcore"
)

// A Handler receives the events a Client routes.
type Handler interface {
	HandleEvent(ev Event)
	// HandleDisconnect is called once if the relay goes away without the
	// client being closed.
	HandleDisconnect(err error)
}

// A Client sends call events as the relay's user and routes received events
// to a Handler.
type Client struct {
	relay   Relay
	logger  golog.Logger
	workers *callcore.StoppableWorkers
}

// NewClient wraps relay.
func NewClient(relay Relay, logger golog.Logger) *Client {
	return &Client{
		relay:   relay,
		logger:  logger,
		workers: callcore.NewStoppableWorkers(context.Background()),
	}
}

// UserID is the local user.
func (c *Client) UserID() string {
	return c.relay.UserID()
}

// Connected reports whether the underlying relay is usable.
func (c *Client) Connected() bool {
	return !c.workers.Stopped() && c.relay.Connected()
}

// Start begins routing relay events to handler.
func (c *Client) Start(handler Handler) error {
	return c.workers.Add(func(ctx context.Context) {
		c.dispatch(ctx, handler)
	})
}

func (c *Client) dispatch(ctx context.Context, handler Handler) {
	self := c.relay.UserID()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.relay.Events():
			if !ok {
				if c.workers.Stopped() {
					return
				}
				err := c.relay.Err()
				if err == nil {
					err = ErrNotConnected
				}
				handler.HandleDisconnect(err)
				return
			}
			if !addressedTo(ev, self) {
				c.logger.Debugw("dropping event not addressed to us", "event", ev.EventName(), "call_id", ev.EventCallID())
				continue
			}
			handler.HandleEvent(ev)
		}
	}
}

// addressedTo rejects peer-to-peer events that are not for self or that
// claim to come from self.
func addressedTo(ev Event, self string) bool {
	var from, to string
	switch e := ev.(type) {
	case CallOffer:
		from, to = e.From, e.To
	case CallAnswer:
		from, to = e.From, e.To
	case CallICECandidate:
		from, to = e.From, e.To
	default:
		return true
	}
	return to == self && from != self
}

// Close stops routing and disconnects the relay.
func (c *Client) Close() error {
	// dispatch must exit before the relay closes its event channel
	c.workers.Stop()
	return c.relay.Close()
}

func (c *Client) send(ctx context.Context, ev Event) error {
	if c.workers.Stopped() {
		return ErrNotConnected
	}
	if err := c.relay.Send(ctx, ev); err != nil {
		return err
	}
	c.logger.Debugw("sent", "event", ev.EventName(), "call_id", ev.EventCallID())
	return nil
}

// StartCall announces a new call.
func (c *Client) StartCall(ctx context.Context, details CallDetails) error {
	return c.send(ctx, CallStart{details})
}

// Accept tells the relay the local user joined callID.
func (c *Client) Accept(ctx context.Context, callID string) error {
	return c.send(ctx, CallAccept{CallID: callID, UserID: c.UserID()})
}

// Reject tells the relay the local user declined callID.
func (c *Client) Reject(ctx context.Context, callID string) error {
	return c.send(ctx, CallReject{CallID: callID, UserID: c.UserID()})
}

// End tells the relay the local user hung up.
func (c *Client) End(ctx context.Context, callID string) error {
	return c.send(ctx, CallEnd{CallID: callID, UserID: c.UserID()})
}

// Offer sends an SDP offer to a participant.
func (c *Client) Offer(ctx context.Context, callID, to string, offer webrtc.SessionDescription) error {
	return c.send(ctx, CallOffer{CallID: callID, Offer: offer, From: c.UserID(), To: to})
}

// Answer sends an SDP answer to a participant.
func (c *Client) Answer(ctx context.Context, callID, to string, answer webrtc.SessionDescription) error {
	return c.send(ctx, CallAnswer{CallID: callID, Answer: answer, From: c.UserID(), To: to})
}

// Candidate trickles an ICE candidate to a participant.
func (c *Client) Candidate(ctx context.Context, callID, to string, candidate webrtc.ICECandidateInit) error {
	return c.send(ctx, CallICECandidate{CallID: callID, Candidate: candidate, From: c.UserID(), To: to})
}
