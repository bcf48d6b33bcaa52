package peer

import (
	"github.com/edaniels/golog"
	"github.com/pion/ice/v2"
	"github.com/pion/interceptor"
	"github.com/viamrobotics/webrtc/v3"

	"github.com/huddlechat/callcore"
)

// A RemoteTrack is a track received from a participant. *webrtc.TrackRemote
// implements it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// A PeerConnection is the subset of a pion peer connection the pool drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	ICEConnectionState() webrtc.ICEConnectionState
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnTrack(f func(RemoteTrack))
	// OnICECandidate is called with nil once gathering completes.
	OnICECandidate(f func(*webrtc.ICECandidateInit))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	Close() error
}

// A Factory creates peer connections.
type Factory func(config webrtc.Configuration) (PeerConnection, error)

// PionFactory returns a Factory building real pion peer connections.
func PionFactory(logger golog.Logger) Factory {
	return func(config webrtc.Configuration) (PeerConnection, error) {
		return NewPeerConnection(config, logger)
	}
}

func newWebRTCAPI(logger golog.Logger) (*webrtc.API, error) {
	m := webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(&m, &i); err != nil {
		return nil, err
	}

	var settingEngine webrtc.SettingEngine
	settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	// lets two peers on the same host reach each other without a network
	settingEngine.SetIncludeLoopbackCandidate(true)
	settingEngine.LoggerFactory = WebRTCLoggerFactory{Logger: logger.Named("pion"), Trace: callcore.Debug}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(&m),
		webrtc.WithInterceptorRegistry(&i),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

// NewPeerConnection creates a pion peer connection with default codecs and
// interceptors.
func NewPeerConnection(config webrtc.Configuration, logger golog.Logger) (PeerConnection, error) {
	api, err := newWebRTCAPI(logger)
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}
	return pionConn{pc}, nil
}

type pionConn struct {
	*webrtc.PeerConnection
}

func (c pionConn) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := c.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// interceptors only run while RTCP is being read
	callcore.PanicCapturingGo(func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	})
	return sender, nil
}

func (c pionConn) OnTrack(f func(RemoteTrack)) {
	c.PeerConnection.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

func (c pionConn) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	c.PeerConnection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			f(nil)
			return
		}
		init := candidate.ToJSON()
		f(&init)
	})
}
