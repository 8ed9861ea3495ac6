//go:build linux && cgo

package media

import (
	"context"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures camera and microphone through pion/mediadevices
// (V4L2 and malgo on Linux), encoding VP8 video and Opus audio.
type DeviceSource struct {
	log      *slog.Logger
	selector *mediadevices.CodecSelector
}

func NewDeviceSource(log *slog.Logger) (*DeviceSource, error) {
	if log == nil {
		log = slog.Default()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{
		log: log,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *DeviceSource) PopulateEngine(engine *webrtc.MediaEngine) error {
	d.selector.Populate(engine)
	return nil
}

type deviceStream struct {
	tracks []mediadevices.Track
}

func (s *deviceStream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *deviceStream) Close() error {
	var first error
	for _, t := range s.tracks {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Acquire opens local capture with staged fallback. GetUserMedia fails as a
// unit when either requested track cannot be opened, so a busy microphone
// must not take the camera down with it: try video+audio, then video-only,
// then audio-only before giving up with ErrNoDevices.
func (d *DeviceSource) Acquire(ctx context.Context) (Stream, error) {
	attempts := []struct {
		video bool
		audio bool
		label string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}

	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only. Some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
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
			d.log.Warn("media capture attempt failed", "attempt", a.label, "err", err)
			continue
		}

		tracks := stream.GetTracks()
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					d.log.Warn("local track ended", "err", err)
				}
			})
		}
		d.log.Info("local media captured", "attempt", a.label, "tracks", len(tracks))
		return &deviceStream{tracks: tracks}, nil
	}

	return nil, ErrNoDevices
}
