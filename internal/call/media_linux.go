//go:build linux

package call

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// NewPeerFactory returns the production factory: VP8+Opus capture via
// pion/mediadevices (V4L2 + malgo). For a video call the capture
// attempts degrade video+audio → video-only → audio-only; GetUserMedia
// fails as a unit when either device is missing or busy, so the ladder
// keeps a dead microphone from blocking the camera and vice versa.
func NewPeerFactory(iceServers []string, logger *zap.Logger) PeerFactory {
	logger = logger.Named("media")

	return func(ctx context.Context, video bool) (peerConn, func(), error) {
		vpxParams, err := vpx.NewVP8Params()
		if err != nil {
			return nil, nil, err
		}
		vpxParams.BitRate = 1_500_000

		opusParams, err := opus.NewParams()
		if err != nil {
			return nil, nil, err
		}

		codecSelector := mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		)

		mediaEngine := &webrtc.MediaEngine{}
		codecSelector.Populate(mediaEngine)

		api, err := newPeerAPI(mediaEngine)
		if err != nil {
			return nil, nil, err
		}
		pc, err := api.NewPeerConnection(peerConfig(iceServers))
		if err != nil {
			return nil, nil, err
		}

		release, err := captureTracks(ctx, pc, codecSelector, video, logger)
		if err != nil {
			pc.Close()
			return nil, nil, err
		}
		return pc, release, nil
	}
}

type captureAttempt struct {
	video bool
	audio bool
	label string
}

func captureTracks(ctx context.Context, pc *webrtc.PeerConnection, selector *mediadevices.CodecSelector, video bool, logger *zap.Logger) (func(), error) {
	attempts := []captureAttempt{{false, true, "audio-only"}}
	if video {
		attempts = []captureAttempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: MJPEG camera nodes can hand the VP8
				// encoder malformed frames that break SDP negotiation.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			logger.Warn("media capture attempt failed",
				zap.String("attempt", a.label), zap.Error(err))
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					logger.Warn("local track ended", zap.Error(err))
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				logger.Warn("add local track failed", zap.Error(err))
			}
		}

		logger.Info("local media captured",
			zap.String("attempt", a.label), zap.Int("tracks", len(tracks)))
		return func() {
			for _, t := range tracks {
				t.Close()
			}
		}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no capture attempt ran")
	}
	return nil, lastErr
}
