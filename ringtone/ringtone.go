// Package ringtone plays the ring cue while a call is ringing.
package ringtone

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
)

// A Player starts and stops a looping cue. Play must not block for the
// duration of the cue.
type Player interface {
	Play(ctx context.Context) error
	Stop()
}

// A Controller drives a Player from the current call status. It only talks to
// the player when the desired state changes.
type Controller struct {
	player Player
	logger golog.Logger

	mu      sync.Mutex
	ringing bool
}

// NewController returns a silent controller.
func NewController(player Player, logger golog.Logger) *Controller {
	return &Controller{player: player, logger: logger}
}

// Update starts or stops the cue. A player refusing to start is logged and
// otherwise ignored.
func (c *Controller) Update(shouldRing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if shouldRing == c.ringing {
		return
	}
	c.ringing = shouldRing
	if !shouldRing {
		c.player.Stop()
		return
	}
	if err := c.player.Play(context.Background()); err != nil {
		c.logger.Warnw("ringtone playback refused", "error", err)
	}
}

// Ringing reports whether the cue should currently be playing.
func (c *Controller) Ringing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ringing
}
