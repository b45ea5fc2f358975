package transport

import (
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

// channelLabel names the single DataChannel carrying control frames and chunks.
const channelLabel = "pipeline"

// newAPI builds a webrtc.API from the options. Using an API value instead of
// the package-level constructors keeps the setting engine per Peer.
func newAPI(opts Options) *webrtc.API {
	settings := webrtc.SettingEngine{}
	if opts.MDNS {
		settings.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	} else {
		settings.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}
	if opts.Loopback {
		settings.SetIncludeLoopbackCandidate(true)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(settings))
}

// newPeerConnection creates a PeerConnection configured with the given STUN
// servers. No TURN: the file goes over a direct path or not at all.
func newPeerConnection(api *webrtc.API, stunServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: stunServers},
		}
	}
	return api.NewPeerConnection(config)
}

// newDataChannel creates the ordered, reliable DataChannel on the initiator
// side. Chunks carry no index, so the channel must preserve order; the
// joiner picks the channel up through OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}
