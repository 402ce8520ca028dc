package rtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// SampleSource produces encoded media samples, ReadSample blocks until one is ready
type SampleSource interface {
	ReadSample() (media.Sample, error)
	Close() error
}

// LocalTrack pumps samples of one capture source into a pion track
type LocalTrack struct {
	kind    webrtc.RTPCodecType
	track   *webrtc.TrackLocalStaticSample
	source  SampleSource
	enabled atomic.Bool

	stopOnce sync.Once
	done     chan struct{}
}

func NewLocalTrack(kind webrtc.RTPCodecType, codec webrtc.RTPCodecCapability, id, streamID string, source SampleSource) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}

	t := &LocalTrack{
		kind:   kind,
		track:  track,
		source: source,
		done:   make(chan struct{}),
	}
	t.enabled.Store(true)

	return t, nil
}

func (t *LocalTrack) Kind() webrtc.RTPCodecType {
	return t.kind
}

func (t *LocalTrack) Track() webrtc.TrackLocal {
	return t.track
}

func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load()
}

// SetEnabled gates the samples, the negotiated track stays in place
func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *LocalTrack) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *LocalTrack) run() {
	for {
		sample, err := t.source.ReadSample()
		if err != nil {
			select {
			case <-t.done:
			default:
				if !errors.Is(err, io.EOF) {
					log.Error().Err(err).Str("service", "localmedia").Str("kind", t.kind.String()).Msg("capture source failed")
				}
			}
			return
		}

		if !t.enabled.Load() {
			continue
		}
		if err := t.track.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Error().Err(err).Str("service", "localmedia").Str("kind", t.kind.String()).Msg("can't write sample")
		}
	}
}

func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		if err := t.source.Close(); err != nil {
			log.Error().Err(err).Str("service", "localmedia").Str("kind", t.kind.String()).Msg("can't close capture source")
		}
	})
}

// LocalStream is the shared local capture of a participant.
// Peer links reference its tracks but never stop them.
type LocalStream struct {
	ID string

	tracks   []*LocalTrack
	stopOnce sync.Once
}

func NewLocalStream(id string, tracks ...*LocalTrack) *LocalStream {
	s := &LocalStream{
		ID:     id,
		tracks: tracks,
	}
	for _, t := range tracks {
		go t.run()
	}

	return s
}

func (s *LocalStream) Tracks() []*LocalTrack {
	return s.tracks
}

// HasKind reports whether the stream captures the given kind of media
func (s *LocalStream) HasKind(kind webrtc.RTPCodecType) bool {
	for _, t := range s.tracks {
		if t.kind == kind {
			return true
		}
	}
	return false
}

// SetEnabled gates every track of the kind and reports whether there was any
func (s *LocalStream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) bool {
	found := false
	for _, t := range s.tracks {
		if t.kind == kind {
			t.SetEnabled(enabled)
			found = true
		}
	}
	return found
}

func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}
