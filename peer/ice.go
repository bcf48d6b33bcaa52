package peer

import (
	"github.com/viamrobotics/webrtc/v3"

	"github.com/huddlechat/callcore/config"
)

// DefaultICEServers are the public STUN servers every connection uses.
// There is no guarantee that they stay reachable.
var DefaultICEServers = []webrtc.ICEServer{
	{
		URLs: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
			"stun:global.stun.twilio.com:3478",
		},
	},
}

// Configuration builds the pion configuration for one connection: the public
// STUN servers, the configured TURN server if any, and a relay-only policy
// when forceRelay or the global ForceRelay is set.
func Configuration(cfg config.Config, forceRelay bool) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, len(DefaultICEServers), len(DefaultICEServers)+1)
	copy(servers, DefaultICEServers)
	if cfg.HasTURN() {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{cfg.TURNURL},
			Username:       cfg.TURNUsername,
			Credential:     cfg.TURNCredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if forceRelay || cfg.ForceRelay {
		policy = webrtc.ICETransportPolicyRelay
	}
	return webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: policy,
	}
}
