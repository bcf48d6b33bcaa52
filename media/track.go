package media

import (
	"github.com/pkg/errors"
	"github.com/viamrobotics/webrtc/v3"
	pionmedia "github.com/viamrobotics/webrtc/v3/pkg/media"
	"go.uber.org/atomic"
)

// ErrTrackStopped is returned when writing to a stopped track.
var ErrTrackStopped = errors.New("track stopped")

// A LocalTrack is one captured audio or video track. Samples written while the
// track is disabled are dropped, so muting never touches the peer connection.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool
}

// NewLocalTrack wraps a sample track. The track starts enabled.
func NewLocalTrack(track *webrtc.TrackLocalStaticSample) *LocalTrack {
	t := &LocalTrack{track: track}
	t.enabled.Store(true)
	return t
}

// ID is the track id.
func (t *LocalTrack) ID() string {
	return t.track.ID()
}

// Kind is audio or video.
func (t *LocalTrack) Kind() webrtc.RTPCodecType {
	return t.track.Kind()
}

// Track returns the pion track to attach to peer connections.
func (t *LocalTrack) Track() webrtc.TrackLocal {
	return t.track
}

// Enabled reports whether samples are forwarded.
func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load()
}

// SetEnabled turns sample forwarding on or off.
func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Stop ends the track for good.
func (t *LocalTrack) Stop() {
	t.stopped.Store(true)
	t.enabled.Store(false)
}

// Stopped reports whether Stop was called.
func (t *LocalTrack) Stopped() bool {
	return t.stopped.Load()
}

// WriteSample forwards a captured sample to every bound peer connection.
func (t *LocalTrack) WriteSample(sample pionmedia.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(sample)
}

// A LocalStream groups the tracks of one capture.
type LocalStream struct {
	ID     string
	Tracks []*LocalTrack
}

// AudioTracks returns the stream's audio tracks.
func (s *LocalStream) AudioTracks() []*LocalTrack {
	return s.byKind(webrtc.RTPCodecTypeAudio)
}

// VideoTracks returns the stream's video tracks.
func (s *LocalStream) VideoTracks() []*LocalTrack {
	return s.byKind(webrtc.RTPCodecTypeVideo)
}

func (s *LocalStream) byKind(kind webrtc.RTPCodecType) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track.
func (s *LocalStream) Stop() {
	for _, t := range s.Tracks {
		t.Stop()
	}
}
