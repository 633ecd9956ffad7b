package client

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type MediaConstraints struct {
	Audio bool
	Video bool
}

// LocalMedia is the captured microphone/camera stream of this client.
type LocalMedia interface {
	HasAudio() bool
	HasVideo() bool
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Close() error
}

// MediaDevices opens capture devices.
type MediaDevices interface {
	Open(ctx context.Context, c MediaConstraints) (LocalMedia, error)
}

// DisabledMedia is the placeholder used when no device could be opened.
type DisabledMedia struct{}

func (DisabledMedia) HasAudio() bool       { return false }
func (DisabledMedia) HasVideo() bool       { return false }
func (DisabledMedia) SetAudioEnabled(bool) {}
func (DisabledMedia) SetVideoEnabled(bool) {}
func (DisabledMedia) Close() error         { return nil }

var fallbackOrder = []MediaConstraints{
	{Audio: true, Video: true},
	{Audio: true},
}

// AcquireMedia opens the richest media available: audio and video, then audio
// only, then DisabledMedia. It never fails.
func AcquireMedia(ctx context.Context, devices MediaDevices, timeout time.Duration, logger *zap.SugaredLogger) LocalMedia {
	if devices == nil {
		return DisabledMedia{}
	}
	for _, c := range fallbackOrder {
		if ctx.Err() != nil {
			break
		}
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		media, err := devices.Open(attemptCtx, c)
		cancel()
		if err == nil {
			return media
		}
		logger.Infow("media unavailable, falling back", "audio", c.Audio, "video", c.Video, "error", err)
	}
	logger.Warnw("no capture device available, joining with media disabled")
	return DisabledMedia{}
}
