// Package media manages local capture for a call: acquiring it, muting and
// unmuting its tracks, and releasing it.
package media

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/huddlechat/callcore/signaling"
)

var (
	// ErrNotAcquired is returned by toggles when nothing is captured.
	ErrNotAcquired = errors.New("media not acquired")
	// ErrAlreadyAcquired is returned when acquiring twice without a release.
	ErrAlreadyAcquired = errors.New("media already acquired")
)

// A Controller owns the local capture of at most one call.
type Controller struct {
	source Source
	logger golog.Logger

	mu     sync.Mutex
	stream *LocalStream
}

// NewController returns a controller capturing from source.
func NewController(source Source, logger golog.Logger) *Controller {
	return &Controller{source: source, logger: logger}
}

// Acquire opens capture for a call of the given type.
func (c *Controller) Acquire(ctx context.Context, callType signaling.CallType) (*LocalStream, error) {
	c.mu.Lock()
	if c.stream != nil {
		c.mu.Unlock()
		return nil, ErrAlreadyAcquired
	}
	c.mu.Unlock()

	constraints := ConstraintsFor(callType == signaling.CallTypeVideo)
	stream, err := c.source.Open(ctx, constraints)
	if err != nil {
		return nil, errors.Wrap(err, "error acquiring media")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		stream.Stop()
		return nil, ErrAlreadyAcquired
	}
	c.stream = stream
	c.logger.Debugw("media acquired", "stream_id", stream.ID, "video", constraints.Video)
	return stream, nil
}

// ToggleMic flips every audio track and returns whether audio is now enabled.
func (c *Controller) ToggleMic() (bool, error) {
	return c.toggle(func(s *LocalStream) []*LocalTrack { return s.AudioTracks() })
}

// ToggleCamera flips every video track and returns whether video is now
// enabled. It does nothing for voice-only capture.
func (c *Controller) ToggleCamera() (bool, error) {
	return c.toggle(func(s *LocalStream) []*LocalTrack { return s.VideoTracks() })
}

func (c *Controller) toggle(tracks func(*LocalStream) []*LocalTrack) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return false, ErrNotAcquired
	}
	selected := tracks(c.stream)
	if len(selected) == 0 {
		return false, nil
	}
	enabled := !selected[0].Enabled()
	for _, t := range selected {
		t.SetEnabled(enabled)
	}
	return enabled, nil
}

// MicEnabled reports whether any audio track is enabled.
func (c *Controller) MicEnabled() bool {
	return c.anyEnabled(func(s *LocalStream) []*LocalTrack { return s.AudioTracks() })
}

// CameraEnabled reports whether any video track is enabled.
func (c *Controller) CameraEnabled() bool {
	return c.anyEnabled(func(s *LocalStream) []*LocalTrack { return s.VideoTracks() })
}

func (c *Controller) anyEnabled(tracks func(*LocalStream) []*LocalTrack) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return false
	}
	for _, t := range tracks(c.stream) {
		if t.Enabled() {
			return true
		}
	}
	return false
}

// Tracks returns the captured tracks, or nil when nothing is captured.
func (c *Controller) Tracks() []*LocalTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	return append([]*LocalTrack(nil), c.stream.Tracks...)
}

// Active reports whether capture is held.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Release stops every track. Calling it again, or without capture, is a no-op.
func (c *Controller) Release() {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()
	if stream == nil {
		return
	}
	stream.Stop()
	c.logger.Debugw("media released", "stream_id", stream.ID)
}
