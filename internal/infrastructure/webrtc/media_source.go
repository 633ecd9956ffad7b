package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"peercall/internal/client"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

var ErrDeviceUnavailable = errors.New("capture device unavailable")

const opusFrameDuration = 20 * time.Millisecond

// opusSilence is a single encoded 20ms opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SampleDevices is a headless capture backend. It exposes sample-based local
// tracks; audio carries opus silence until a real encoder writes to it.
type SampleDevices struct {
	Audio  bool
	Video  bool
	Logger *zap.SugaredLogger
}

var _ client.MediaDevices = (*SampleDevices)(nil)

func (d *SampleDevices) Open(ctx context.Context, c client.MediaConstraints) (client.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Audio && !d.Audio {
		return nil, fmt.Errorf("%w: microphone", ErrDeviceUnavailable)
	}
	if c.Video && !d.Video {
		return nil, fmt.Errorf("%w: camera", ErrDeviceUnavailable)
	}

	m := &TrackMedia{stop: make(chan struct{})}
	streamID := "peercall-" + time.Now().UTC().Format("150405.000")

	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio",
			streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		m.audio = track
		m.audioOn.Store(true)
	}
	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video",
			streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		m.video = track
		m.videoOn.Store(true)
	}

	if m.audio != nil {
		logger := d.Logger
		if logger == nil {
			logger = zap.NewNop().Sugar()
		}
		m.wg.Add(1)
		go m.pumpSilence(logger)
	}
	return m, nil
}

// TrackMedia is local media backed by pion sample tracks.
type TrackMedia struct {
	audio   *webrtc.TrackLocalStaticSample
	video   *webrtc.TrackLocalStaticSample
	audioOn atomic.Bool
	videoOn atomic.Bool

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var (
	_ client.LocalMedia = (*TrackMedia)(nil)
	_ TrackSource       = (*TrackMedia)(nil)
)

func (m *TrackMedia) HasAudio() bool { return m.audio != nil }
func (m *TrackMedia) HasVideo() bool { return m.video != nil }

func (m *TrackMedia) SetAudioEnabled(enabled bool) { m.audioOn.Store(enabled) }
func (m *TrackMedia) SetVideoEnabled(enabled bool) { m.videoOn.Store(enabled) }

func (m *TrackMedia) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	if m.audio != nil {
		tracks = append(tracks, m.audio)
	}
	if m.video != nil {
		tracks = append(tracks, m.video)
	}
	return tracks
}

// WriteVideo sends an encoded VP8 frame. Frames written while the camera is
// disabled are dropped.
func (m *TrackMedia) WriteVideo(frame []byte, duration time.Duration) error {
	if m.video == nil {
		return ErrDeviceUnavailable
	}
	if !m.videoOn.Load() {
		return nil
	}
	return m.video.WriteSample(media.Sample{Data: frame, Duration: duration})
}

func (m *TrackMedia) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	return nil
}

func (m *TrackMedia) pumpSilence(logger *zap.SugaredLogger) {
	defer m.wg.Done()

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if !m.audioOn.Load() {
				continue
			}
			if err := m.audio.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration}); err != nil {
				logger.Debugw("audio sample dropped", "error", err)
			}
		}
	}
}
