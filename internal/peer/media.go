package peer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaSource opens the local microphone and, optionally, the camera.
// Implementations return ErrPermissionDenied or ErrDeviceUnavailable
// (possibly wrapped) when capture cannot start.
type MediaSource interface {
	Open(ctx context.Context, video bool) (*LocalMedia, error)
}

// LocalMedia is the captured local stream. Video is nil for voice calls.
type LocalMedia struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal

	stop     func()
	stopOnce sync.Once
}

func NewLocalMedia(audio, video webrtc.TrackLocal, stop func()) *LocalMedia {
	return &LocalMedia{Audio: audio, Video: video, stop: stop}
}

// Stop releases the capture devices. Only the first call has an effect.
func (l *LocalMedia) Stop() {
	l.stopOnce.Do(func() {
		if l.stop != nil {
			l.stop()
		}
	})
}

func (l *LocalMedia) tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{l.Audio}
	if l.Video != nil {
		tracks = append(tracks, l.Video)
	}
	return tracks
}

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const sampleDuration = 20 * time.Millisecond

// SyntheticSource produces an Opus silence track and an idle VP8 track. It
// needs no capture hardware, so headless clients and tests can place calls.
type SyntheticSource struct{}

func (SyntheticSource) Open(ctx context.Context, video bool) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "curemos-" + uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, wrapError("open audio", ErrDeviceUnavailable, err)
	}

	var videoTrack webrtc.TrackLocal
	if video {
		v, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, wrapError("open video", ErrDeviceUnavailable, err)
		}
		videoTrack = v
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sampleDuration)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = audio.WriteSample(media.Sample{Data: opusSilence, Duration: sampleDuration})
			}
		}
	}()

	return NewLocalMedia(audio, videoTrack, func() { close(done) }), nil
}
