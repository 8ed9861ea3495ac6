//go:build !linux || !cgo

package media

import (
	"context"
	"log/slog"
)

// DeviceSource has no capture backend off Linux; calls run receive-only.
// Camera and microphone capture needs the platform drivers mediadevices
// only wires up for V4L2 and malgo.
type DeviceSource struct {
	log *slog.Logger
}

func NewDeviceSource(log *slog.Logger) (*DeviceSource, error) {
	if log == nil {
		log = slog.Default()
	}
	return &DeviceSource{log: log}, nil
}

func (d *DeviceSource) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.log.Warn("no media capture on this platform, joining receive-only")
	return nil, ErrNoDevices
}
