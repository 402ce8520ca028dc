//go:build !linux

package rtc

import (
	"github.com/isqad/livelook-lesson/internal/config"
)

// Device drivers are only wired for Linux, other hosts join without local media
func captureDevices(_ config.CaptureConfig) (*LocalStream, error) {
	return nil, ErrCaptureUnavailable
}
