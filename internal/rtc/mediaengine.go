package rtc

import (
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/isqad/livelook-lesson/internal/config"
)

type codecEntry struct {
	params webrtc.RTPCodecParameters
	kind   webrtc.RTPCodecType
}

// codecs a lesson peer can negotiate with browsers, filtered by configuration
func supportedCodecs(rtcpFeedback config.RTCPFeedbackConfig) []codecEntry {
	video := func(mime, fmtp string, pt webrtc.PayloadType) codecEntry {
		return codecEntry{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     mime,
					ClockRate:    90000,
					SDPFmtpLine:  fmtp,
					RTCPFeedback: rtcpFeedback.Video,
				},
				PayloadType: pt,
			},
			kind: webrtc.RTPCodecTypeVideo,
		}
	}

	return []codecEntry{
		{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeOpus,
					ClockRate:    48000,
					Channels:     2,
					SDPFmtpLine:  "minptime=10;useinbandfec=1",
					RTCPFeedback: rtcpFeedback.Audio,
				},
				PayloadType: 111,
			},
			kind: webrtc.RTPCodecTypeAudio,
		},
		video(webrtc.MimeTypeVP8, "", 96),
		video(webrtc.MimeTypeVP9, "profile-id=0", 98),
		video(webrtc.MimeTypeH264, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", 125),
	}
}

func createMediaEngine(enabledCodecs []config.CodecSpec, directionConfig config.DirectionConfig) (*webrtc.MediaEngine, *interceptor.Registry, error) {
	mediaEngine := &webrtc.MediaEngine{}
	for _, codec := range supportedCodecs(directionConfig.RTCPFeedback) {
		if !isCodecEnabled(enabledCodecs, codec.params.RTPCodecCapability) {
			continue
		}
		if err := mediaEngine.RegisterCodec(codec.params, codec.kind); err != nil {
			return nil, nil, err
		}
	}

	if err := registerHeaderExtensions(mediaEngine, directionConfig.RTPHeaderExtension); err != nil {
		return nil, nil, err
	}

	// Every peer connection needs its own registry: NACKs, RTCP reports, TWCC
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}

	return mediaEngine, registry, nil
}

func registerHeaderExtensions(me *webrtc.MediaEngine, rtpHeaderExtension config.RTPHeaderExtensionConfig) error {
	for _, extension := range rtpHeaderExtension.Video {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: extension}, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}

	for _, extension := range rtpHeaderExtension.Audio {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: extension}, webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}

	return nil
}

func isCodecEnabled(codecs []config.CodecSpec, cap webrtc.RTPCodecCapability) bool {
	for _, codec := range codecs {
		if !strings.EqualFold(codec.Mime, cap.MimeType) {
			continue
		}
		if codec.FmtpLine == "" || strings.EqualFold(codec.FmtpLine, cap.SDPFmtpLine) {
			return true
		}
	}
	return false
}
