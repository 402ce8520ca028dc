package rtc

import (
	"context"
	"errors"

	"github.com/isqad/livelook-lesson/internal/config"
)

var ErrCaptureUnavailable = errors.New("local media capture is unavailable")

// Capturer acquires the local camera and microphone
type Capturer interface {
	Capture(ctx context.Context, conf config.CaptureConfig) (*LocalStream, error)
}

// DeviceCapturer captures from the devices of the host
type DeviceCapturer struct{}

func NewDeviceCapturer() *DeviceCapturer {
	return &DeviceCapturer{}
}

func (c *DeviceCapturer) Capture(ctx context.Context, conf config.CaptureConfig) (*LocalStream, error) {
	if !conf.Video && !conf.Audio {
		return nil, ErrCaptureUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return captureDevices(conf)
}
