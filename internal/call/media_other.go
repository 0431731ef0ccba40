//go:build !linux

package call

import (
	"context"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// NewPeerFactory returns a receive-only factory. Device capture via
// pion/mediadevices needs platform drivers (V4L2 + malgo) that only
// ship for Linux here; elsewhere the call still carries remote media.
func NewPeerFactory(iceServers []string, logger *zap.Logger) PeerFactory {
	logger = logger.Named("media")

	return func(ctx context.Context, _ bool) (peerConn, func(), error) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, nil, err
		}
		api, err := newPeerAPI(mediaEngine)
		if err != nil {
			return nil, nil, err
		}
		pc, err := api.NewPeerConnection(peerConfig(iceServers))
		if err != nil {
			return nil, nil, err
		}

		addRecvOnlyTransceivers(pc, logger)
		logger.Info("peer connection ready (receive-only on this platform)")
		return pc, nil, nil
	}
}
