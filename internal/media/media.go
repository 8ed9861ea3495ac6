// Package media abstracts local capture for the call client. The peer layer
// only sees Source and Stream; the device-backed implementation lives behind
// a platform build tag and tests substitute static tracks.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrNoDevices reports that no camera or microphone could be opened. Callers
// treat this as a cue to fall back to a receive-only call rather than fail.
var ErrNoDevices = errors.New("media: no capture devices available")

// Stream is a set of live local tracks ready to attach to a peer connection.
type Stream interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Source produces a Stream on demand. Acquire may take noticeable time on
// real hardware, so it honors ctx cancellation between device attempts.
type Source interface {
	Acquire(ctx context.Context) (Stream, error)
}

// staticStream backs StaticSource.
type staticStream struct {
	tracks []webrtc.TrackLocal
}

func (s *staticStream) Tracks() []webrtc.TrackLocal { return s.tracks }
func (s *staticStream) Close() error                { return nil }

type staticSource struct {
	tracks []webrtc.TrackLocal
}

// NewStaticSource returns a Source that hands out the given tracks as-is.
// Used by tests and headless deployments that synthesize their own media.
func NewStaticSource(tracks ...webrtc.TrackLocal) Source {
	return &staticSource{tracks: tracks}
}

func (s *staticSource) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &staticStream{tracks: s.tracks}, nil
}
