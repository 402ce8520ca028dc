package rtc

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-lesson/internal/config"
	"github.com/isqad/livelook-lesson/internal/telemetry"
)

const (
	dtlsRetransmissionInterval = 100 * time.Millisecond
	mtu                        = 1400
	rtpReadBufferSize          = 1500
)

// Transport is one bidirectional media transport to a remote participant
type Transport interface {
	AddTrack(track webrtc.TrackLocal) error
	// AddRecvOnly lets the offer receive a kind of media it does not send
	AddRecvOnly(kind webrtc.RTPCodecType) error
	// CreateOffer creates an offer and sets it as the local description
	CreateOffer() (*webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description
	CreateAnswer() (*webrtc.SessionDescription, error)
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	OnICECandidate(f func(webrtc.ICECandidateInit))
	OnTrack(f func(RemoteTrack))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// RemoteTrack is the part of a received track the lesson layer cares about
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

type TransportFactory interface {
	NewTransport() (Transport, error)
}

// Factory builds pion peer connections from the service configuration
type Factory struct {
	rtcConf       *config.WebRTCConfig
	enabledCodecs []config.CodecSpec
	pliInterval   time.Duration
}

func NewFactory(conf *config.Config) (*Factory, error) {
	rtcConf, err := config.NewWebRTCConfig(conf)
	if err != nil {
		return nil, err
	}

	return &Factory{
		rtcConf:       rtcConf,
		enabledCodecs: conf.Peer.EnabledCodecs,
		pliInterval:   conf.RTC.PLIInterval,
	}, nil
}

func (f *Factory) NewTransport() (Transport, error) {
	return NewPCTransport(TransportParams{
		EnabledCodecs: f.enabledCodecs,
		Config:        f.rtcConf,
		PLIInterval:   f.pliInterval,
	})
}

type TransportParams struct {
	EnabledCodecs []config.CodecSpec
	Config        *config.WebRTCConfig
	PLIInterval   time.Duration
}

// PCTransport is the Transport over a pion peer connection
type PCTransport struct {
	pc          *webrtc.PeerConnection
	pliInterval time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func NewPCTransport(params TransportParams) (*PCTransport, error) {
	pc, err := newPeerConnection(params)
	if err != nil {
		return nil, err
	}

	t := &PCTransport{
		pc:          pc,
		pliInterval: params.PLIInterval,
		closed:      make(chan struct{}),
	}

	t.pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		if state == webrtc.ICEGatheringStateComplete {
			log.Debug().Str("service", "transport").Msg("ICE gathering complete")
		}
	})

	return t, nil
}

func newPeerConnection(params TransportParams) (*webrtc.PeerConnection, error) {
	log.Debug().Str("service", "transport").Msg("create new peer connection")

	me, registry, err := createMediaEngine(params.EnabledCodecs, params.Config.Publisher)
	if err != nil {
		log.Error().Err(err).Str("service", "transport").Msg("can't create media engine")
		return nil, err
	}

	se := params.Config.SettingEngine
	se.LoggerFactory = NewLoggerFactory()
	se.SetDTLSRetransmissionInterval(dtlsRetransmissionInterval)
	se.SetReceiveMTU(mtu)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(registry),
	)

	return api.NewPeerConnection(params.Config.Configuration)
}

func (t *PCTransport) AddTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}

	// Read incoming RTCP packets so interceptors (NACK, reports) can process them
	go func() {
		buf := make([]byte, rtpReadBufferSize)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return nil
}

func (t *PCTransport) AddRecvOnly(kind webrtc.RTPCodecType) error {
	_, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (t *PCTransport) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}

	return &offer, nil
}

func (t *PCTransport) CreateAnswer() (*webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}

	return &answer, nil
}

func (t *PCTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

func (t *PCTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *PCTransport) SignalingState() webrtc.SignalingState {
	return t.pc.SignalingState()
}

func (t *PCTransport) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil {
			return
		}
		f(candidate.ToJSON())
	})
}

func (t *PCTransport) OnTrack(f func(RemoteTrack)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug().Str("service", "transport").Str("track", track.ID()).Str("stream", track.StreamID()).
			Str("kind", track.Kind().String()).Msg("remote track received")

		if track.Kind() == webrtc.RTPCodecTypeVideo && t.pliInterval > 0 {
			go t.requestKeyframes(track)
		}
		go t.drain(track)

		f(track)
	})
}

// requestKeyframes sends a PLI on an interval so that the remote side pushes a keyframe
func (t *PCTransport) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(t.pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			if err != nil {
				log.Error().Err(err).Str("service", "transport").Str("track", track.ID()).Msg("can't send PLI")
			}
		}
	}
}

// drain reads remote RTP so the interceptors keep receiving packets
func (t *PCTransport) drain(track *webrtc.TrackRemote) {
	kind := track.Kind().String()
	buf := make([]byte, rtpReadBufferSize)
	pkt := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		telemetry.RemoteRTPReceived(kind, len(pkt.Payload))
	}
}

func (t *PCTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(f)
}

func (t *PCTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.pc.Close()
	})

	return err
}
