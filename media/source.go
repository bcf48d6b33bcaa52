package media

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/viamrobotics/webrtc/v3"
)

// ErrPermissionDenied is returned when the user or platform refuses capture.
var ErrPermissionDenied = errors.New("media permission denied")

// AudioConstraints are the audio processing options requested from capture.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Constraints describe what to capture.
type Constraints struct {
	Audio AudioConstraints
	Video bool
}

// ConstraintsFor returns the capture constraints for a call. Audio processing
// is always on; video is captured only for video calls.
func ConstraintsFor(video bool) Constraints {
	return Constraints{
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Video: video,
	}
}

// A Source opens local capture. Opening may block while the user is asked
// for permission.
type Source interface {
	Open(ctx context.Context, constraints Constraints) (*LocalStream, error)
}

// SampleSource opens streams backed by sample tracks: opus for audio and VP8
// for video. Captured samples are written by the application through
// LocalTrack.WriteSample.
type SampleSource struct {
	// Authorize, when set, is consulted before every capture. Any error it
	// returns is reported as ErrPermissionDenied.
	Authorize func(ctx context.Context, constraints Constraints) error
}

// Open creates the tracks for constraints.
func (s *SampleSource) Open(ctx context.Context, constraints Constraints) (*LocalStream, error) {
	if s.Authorize != nil {
		if err := s.Authorize(ctx, constraints); err != nil {
			return nil, errors.Wrap(ErrPermissionDenied, err.Error())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream := &LocalStream{ID: uuid.NewString()}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+stream.ID,
		stream.ID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "error creating audio track")
	}
	stream.Tracks = append(stream.Tracks, NewLocalTrack(audio))

	if constraints.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video-"+stream.ID,
			stream.ID,
		)
		if err != nil {
			return nil, errors.Wrap(err, "error creating video track")
		}
		stream.Tracks = append(stream.Tracks, NewLocalTrack(video))
	}
	return stream, nil
}
