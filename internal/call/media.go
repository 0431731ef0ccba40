package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// newPeerAPI builds a webrtc API with the given media engine. The ICE
// timeouts are deliberately generous: the default 5 s disconnected
// timeout drops calls during relay failover hiccups the user would
// otherwise never notice.
func newPeerAPI(mediaEngine *webrtc.MediaEngine) (*webrtc.API, error) {
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	// Periodic PLI keeps remote video recoverable after loss without
	// waiting for the far side to decide a keyframe is needed.
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	registry.Add(pli)

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func peerConfig(iceServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, url := range iceServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}
	return cfg
}

// addRecvOnlyTransceivers gives the SDP valid audio/video m-lines with
// ICE credentials when no local track was added.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, logger *zap.Logger) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			logger.Warn("add recvonly transceiver failed",
				zap.String("kind", kind.String()), zap.Error(err))
		}
	}
}
