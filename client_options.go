package agentcall

import (
	"time"

	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/mediadevices"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type ClientOption = func(*Client) error

func WithVP8MediaEngine(clockrate uint32) ClientOption {
	return func(client *Client) error {
		RTCPFeedback := []webrtc.RTCPFeedback{{Type: webrtc.TypeRTCPFBGoogREMB}, {Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"}, {Type: webrtc.TypeRTCPFBNACK}, {Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"}}
		if err := client.mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    clockrate,
				RTCPFeedback: RTCPFeedback,
			},
			PayloadType: VP8PayloadType,
		}, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}

		return client.mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeRTX,
				ClockRate:   clockrate,
				SDPFmtpLine: "apt=96",
			},
			PayloadType: VP8RTXPayloadType,
		}, webrtc.RTPCodecTypeVideo)
	}
}

func WithOpusMediaEngine(samplerate uint32, channelLayout uint16) ClientOption {
	return func(client *Client) error {
		return client.mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   samplerate,
				Channels:    channelLayout,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: OpusPayloadType,
		}, webrtc.RTPCodecTypeAudio)
	}
}

// WithCodecSelector registers the encoders local capture tracks use. It
// replaces WithVP8MediaEngine and WithOpusMediaEngine when sending
// device media.
func WithCodecSelector(selector *mediadevices.CodecSelector) ClientOption {
	return func(client *Client) error {
		selector.Populate(client.mediaEngine)
		return nil
	}
}

func WithDefaultMediaEngine() ClientOption {
	return func(client *Client) error {
		return client.mediaEngine.RegisterDefaultCodecs()
	}
}

func WithDefaultInterceptorRegistry() ClientOption {
	return func(client *Client) error {
		return webrtc.RegisterDefaultInterceptors(client.mediaEngine, client.interceptorRegistry)
	}
}

func WithNACKInterceptor(generatorOptions NACKGeneratorOptions, responderOptions NACKResponderOptions) ClientOption {
	return func(client *Client) error {
		generator, err := nack.NewGeneratorInterceptor(generatorOptions...)
		if err != nil {
			return err
		}
		responder, err := nack.NewResponderInterceptor(responderOptions...)
		if err != nil {
			return err
		}

		client.mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBNACK}, webrtc.RTPCodecTypeVideo)
		client.mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"}, webrtc.RTPCodecTypeVideo)
		client.interceptorRegistry.Add(responder)
		client.interceptorRegistry.Add(generator)

		return nil
	}
}

func WithTWCCSenderInterceptor(interval TWCCSenderInterval) ClientOption {
	return func(client *Client) error {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			client.mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBTransportCC}, kind)
			if err := client.mediaEngine.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.TransportCCURI}, kind); err != nil {
				return err
			}
		}

		generator, err := twcc.NewSenderInterceptor(twcc.SendInterval(time.Duration(interval)))
		if err != nil {
			return err
		}

		client.interceptorRegistry.Add(generator)
		return nil
	}
}

func WithRTCPReportsInterceptor(interval RTCPReportInterval) ClientOption {
	return func(client *Client) error {
		receiver, err := report.NewReceiverInterceptor(report.ReceiverInterval(time.Duration(interval)))
		if err != nil {
			return err
		}
		sender, err := report.NewSenderInterceptor(report.SenderInterval(time.Duration(interval)))
		if err != nil {
			return err
		}

		client.interceptorRegistry.Add(receiver)
		client.interceptorRegistry.Add(sender)

		return nil
	}
}

func WithICETimeouts(disconnected, failed, keepAlive time.Duration) ClientOption {
	return func(client *Client) error {
		client.settingsEngine.SetICETimeouts(disconnected, failed, keepAlive)
		return nil
	}
}

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(client *Client) error {
		client.logger = logger
		return nil
	}
}

func WithConnectionOptions(options ...PeerConnectionOption) ClientOption {
	return func(client *Client) error {
		client.connectionOptions = append(client.connectionOptions, options...)
		return nil
	}
}
