// Package escalation recovers stalled peer connections: first with an ICE
// restart, then by moving the connection onto a TURN relay.
package escalation

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/viamrobotics/webrtc/v3"

	"github.com/huddlechat/callcore/peer"
	"github.com/huddlechat/callcore/perf"
)

const (
	// MaxAttempts bounds the recovery attempts per participant.
	MaxAttempts = 3
	// Delay is how long a connection gets before it is checked.
	Delay = 3 * time.Second
)

// Connections is what the controller needs from the peer pool.
type Connections interface {
	ICEConnectionState(participantID string) (webrtc.ICEConnectionState, bool)
	CreateAndSendOffer(ctx context.Context, participantID, callID string, opts peer.OfferOptions) error
}

// A Scheduler runs f after d. The returned function cancels it if it has not
// run yet. Owners use it to run f on their own goroutine.
type Scheduler func(d time.Duration, f func()) (cancel func())

// An Option configures a Controller.
type Option func(*Controller)

// RecoverFailed also treats the failed ICE state as stalled. By default only
// new, checking and disconnected connections are restarted.
func RecoverFailed() Option {
	return func(c *Controller) {
		c.recoverFailed = true
	}
}

type armed struct {
	generation int
	cancel     func()
}

// A Controller tracks recovery attempts per participant. It is not safe for
// concurrent use; the scheduler must call back on the owner's goroutine.
type Controller struct {
	conns         Connections
	schedule      Scheduler
	logger        golog.Logger
	recoverFailed bool

	attempts   map[string]int
	timers     map[string]armed
	generation int
}

// NewController returns a controller with no attempts made.
func NewController(conns Connections, schedule Scheduler, logger golog.Logger, opts ...Option) *Controller {
	c := &Controller{
		conns:    conns,
		schedule: schedule,
		logger:   logger,
		attempts: map[string]int{},
		timers:   map[string]armed{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// stalled is true for the ICE states that have not, or no longer, connected.
func (c *Controller) stalled(state webrtc.ICEConnectionState) bool {
	switch state {
	case webrtc.ICEConnectionStateNew,
		webrtc.ICEConnectionStateChecking,
		webrtc.ICEConnectionStateDisconnected:
		return true
	case webrtc.ICEConnectionStateFailed:
		return c.recoverFailed
	default:
		return false
	}
}

// RecoversFailed reports whether failed connections are restarted too.
func (c *Controller) RecoversFailed() bool {
	return c.recoverFailed
}

// Arm schedules a Check of participantID after Delay, replacing any check
// already scheduled for it. Nothing is scheduled once attempts are exhausted.
func (c *Controller) Arm(ctx context.Context, participantID, callID string) {
	c.disarm(participantID)
	if c.attempts[participantID] >= MaxAttempts {
		return
	}
	c.generation++
	generation := c.generation
	cancel := c.schedule(Delay, func() {
		if t, ok := c.timers[participantID]; !ok || t.generation != generation {
			return
		}
		delete(c.timers, participantID)
		if _, err := c.Check(ctx, participantID, callID); err != nil {
			c.logger.Warnw("connection recovery failed", "participant", participantID, "error", err)
		}
	})
	c.timers[participantID] = armed{generation: generation, cancel: cancel}
}

func (c *Controller) disarm(participantID string) {
	if t, ok := c.timers[participantID]; ok {
		t.cancel()
		delete(c.timers, participantID)
	}
}

// Check starts a recovery attempt if the connection to participantID is
// stalled and attempts remain. The first attempt restarts ICE; later ones
// also force relay-only transport. It reports whether an attempt was made.
func (c *Controller) Check(ctx context.Context, participantID, callID string) (bool, error) {
	state, ok := c.conns.ICEConnectionState(participantID)
	if !ok || !c.stalled(state) {
		return false, nil
	}
	if c.attempts[participantID] >= MaxAttempts {
		c.logger.Debugw("giving up on connection", "participant", participantID, "state", state.String())
		return false, nil
	}
	c.disarm(participantID)

	c.attempts[participantID]++
	attempt := c.attempts[participantID]
	opts := peer.OfferOptions{ICERestart: true, ForceRelay: attempt >= 2}
	c.logger.Infow("restarting connection",
		"participant", participantID,
		"attempt", attempt,
		"state", state.String(),
		"force_relay", opts.ForceRelay,
	)
	perf.RecordICERestart(ctx, opts.ForceRelay)
	err := c.conns.CreateAndSendOffer(ctx, participantID, callID, opts)
	if attempt < MaxAttempts {
		c.Arm(ctx, participantID, callID)
	}
	return true, err
}

// Attempts is the number of recovery attempts made for participantID.
func (c *Controller) Attempts(participantID string) int {
	return c.attempts[participantID]
}

// Reset forgets participantID, cancelling any scheduled check.
func (c *Controller) Reset(participantID string) {
	c.disarm(participantID)
	delete(c.attempts, participantID)
}

// ResetAll forgets every participant.
func (c *Controller) ResetAll() {
	for id := range c.timers {
		c.disarm(id)
	}
	c.attempts = map[string]int{}
}
