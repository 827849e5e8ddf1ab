//go:build mediadevices && linux

package peer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

func DefaultMediaSource() MediaSource {
	src, err := NewDeviceSource()
	if err != nil {
		return SyntheticSource{}
	}
	return src
}

// DeviceSource captures the camera and microphone through pion/mediadevices
// and encodes VP8 + Opus.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceSource() (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (s *DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	s.selector.Populate(m)
	return nil
}

func (s *DeviceSource) Open(ctx context.Context, video bool) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, wrapError("get user media", ErrPermissionDenied, err)
		}
		return nil, wrapError("get user media", ErrDeviceUnavailable, err)
	}

	tracks := stream.GetTracks()
	stop := func() {
		for _, t := range tracks {
			t.Close()
		}
	}

	var audio, videoTrack webrtc.TrackLocal
	for _, t := range tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			audio = t
		case webrtc.RTPCodecTypeVideo:
			videoTrack = t
		}
	}
	if audio == nil {
		stop()
		return nil, newError("get user media", fmt.Errorf("%w: no microphone track", ErrDeviceUnavailable))
	}
	if video && videoTrack == nil {
		stop()
		return nil, newError("get user media", fmt.Errorf("%w: no camera track", ErrDeviceUnavailable))
	}
	return NewLocalMedia(audio, videoTrack, stop), nil
}
