//go:build linux

package rtc

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-lesson/internal/config"
)

type captureAttempt struct {
	video bool
	audio bool
}

func (a captureAttempt) String() string {
	switch {
	case a.video && a.audio:
		return "video+audio"
	case a.video:
		return "video-only"
	default:
		return "audio-only"
	}
}

func captureDevices(conf config.CaptureConfig) (*LocalStream, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if conf.VideoBitRate > 0 {
		vpxParams.BitRate = conf.VideoBitRate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	// the device drivers expose no such controls
	log.Debug().Str("service", "capture").
		Str("facingMode", conf.FacingMode).
		Bool("echoCancellation", conf.EchoCancellation).
		Bool("noiseSuppression", conf.NoiseSuppression).
		Bool("autoGainControl", conf.AutoGainControl).
		Msg("advisory capture constraints not applied")

	// GetUserMedia fails as a unit, so fall back to a single kind of media
	attempts := []captureAttempt{}
	if conf.Video && conf.Audio {
		attempts = append(attempts, captureAttempt{video: true, audio: true})
	}
	if conf.Video {
		attempts = append(attempts, captureAttempt{video: true})
	}
	if conf.Audio {
		attempts = append(attempts, captureAttempt{audio: true})
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.Int(conf.Width)
				c.Height = prop.Int(conf.Height)
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn().Err(err).Str("service", "capture").Str("attempt", a.String()).Msg("GetUserMedia failed")
			continue
		}

		local, err := newDeviceStream(stream)
		if err != nil {
			log.Warn().Err(err).Str("service", "capture").Str("attempt", a.String()).Msg("can't encode captured media")
			continue
		}

		log.Info().Str("service", "capture").Str("attempt", a.String()).Int("tracks", len(local.Tracks())).Msg("local media captured")
		return local, nil
	}

	return nil, ErrCaptureUnavailable
}

// deviceTrack is the part of a mediadevices.Track a local track is built from
type deviceTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	NewEncodedReader(codecName string) (mediadevices.EncodedReadCloser, error)
	Close() error
}

func newDeviceStream(stream mediadevices.MediaStream) (*LocalStream, error) {
	devices := make([]deviceTrack, 0, 2)
	for _, track := range stream.GetTracks() {
		devices = append(devices, track)
	}

	streamID := uuid.New().String()
	tracks, err := newDeviceTracks(streamID, devices)
	if err != nil {
		return nil, err
	}

	return NewLocalStream(streamID, tracks...), nil
}

// newDeviceTracks wraps every device track or, on failure, closes all of them
func newDeviceTracks(streamID string, devices []deviceTrack) ([]*LocalTrack, error) {
	tracks := make([]*LocalTrack, 0, len(devices))

	for i, device := range devices {
		var codec webrtc.RTPCodecCapability
		switch device.Kind() {
		case webrtc.RTPCodecTypeVideo:
			codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		case webrtc.RTPCodecTypeAudio:
			codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		default:
			if err := device.Close(); err != nil {
				log.Warn().Err(err).Str("service", "capture").Str("track", device.ID()).Msg("can't close unsupported track")
			}
			continue
		}

		reader, err := device.NewEncodedReader(codec.MimeType)
		if err != nil {
			releaseDeviceTracks(tracks, devices[i:])
			return nil, fmt.Errorf("%s encoder: %w", device.Kind(), err)
		}

		lt, err := NewLocalTrack(device.Kind(), codec, device.ID(), streamID, &encodedSource{
			reader:    reader,
			track:     device,
			clockRate: codec.ClockRate,
		})
		if err != nil {
			_ = reader.Close()
			releaseDeviceTracks(tracks, devices[i:])
			return nil, err
		}
		tracks = append(tracks, lt)
	}

	return tracks, nil
}

// releaseDeviceTracks stops the wrapped tracks and closes the devices not wrapped yet
func releaseDeviceTracks(built []*LocalTrack, rest []deviceTrack) {
	for _, t := range built {
		t.Stop()
	}
	for _, device := range rest {
		if err := device.Close(); err != nil {
			log.Warn().Err(err).Str("service", "capture").Str("track", device.ID()).Msg("can't close device track")
		}
	}
}

// encodedSource turns encoded device buffers into samples
type encodedSource struct {
	reader    mediadevices.EncodedReadCloser
	track     io.Closer
	clockRate uint32
}

func (s *encodedSource) ReadSample() (media.Sample, error) {
	buf, release, err := s.reader.Read()
	if err != nil {
		return media.Sample{}, err
	}
	defer release()

	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)

	return media.Sample{
		Data:     data,
		Duration: time.Duration(buf.Samples) * time.Second / time.Duration(s.clockRate),
	}, nil
}

func (s *encodedSource) Close() error {
	err := s.reader.Close()
	if terr := s.track.Close(); err == nil {
		err = terr
	}
	return err
}
