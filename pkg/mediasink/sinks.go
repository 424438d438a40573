// Package mediasink consumes remote tracks and keeps the latest decodable
// video frame for still captures.
package mediasink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"go.uber.org/zap"
	"golang.org/x/image/vp8"
)

var (
	ErrUnsupportedCodec = errors.New("sink codec cannot produce still frames")
	ErrNoFrame          = errors.New("no video frame received yet")
)

// RTCPWriter is usually (*webrtc.PeerConnection).WriteRTCP.
type RTCPWriter func([]rtcp.Packet) error

type RTPReader interface {
	ReadRTP() (*rtp.Packet, error)
}

// Sink drains one remote track. For VP8 video it keeps the most recent
// keyframe.
type Sink struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType
	mimeType string
	ssrc     uint32

	reader      RTPReader
	rtpReceiver *webrtc.RTPReceiver
	writeRTCP   RTCPWriter
	maxLate     uint16

	mux      sync.Mutex
	keyframe []byte
	// fresh is closed and replaced whenever a keyframe is stored
	fresh chan struct{}

	logger *zap.Logger
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func CreateSink(ctx context.Context, remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, options ...SinkOption) (*Sink, error) {
	sink, err := newSink(ctx, remote.ID(), remote.StreamID(), remote.Kind(), remote.Codec().MimeType, uint32(remote.SSRC()), trackReader{remote}, options...)
	if err != nil {
		return nil, err
	}
	sink.rtpReceiver = receiver

	go sink.rtpReaderLoop()
	if receiver != nil {
		go sink.rtcpReaderLoop()
	}

	return sink, nil
}

func newSink(ctx context.Context, id, streamID string, kind webrtc.RTPCodecType, mimeType string, ssrc uint32, reader RTPReader, options ...SinkOption) (*Sink, error) {
	ctx2, cancel2 := context.WithCancel(ctx)

	sink := &Sink{
		id:       id,
		streamID: streamID,
		kind:     kind,
		mimeType: mimeType,
		ssrc:     ssrc,
		reader:   reader,
		maxLate:  128,
		fresh:    make(chan struct{}),
		logger:   zap.NewNop(),
		ctx:      ctx2,
		cancel:   cancel2,
	}

	for _, option := range options {
		if err := option(sink); err != nil {
			cancel2()
			return nil, err
		}
	}
	sink.logger = sink.logger.With(zap.String("track", id), zap.String("mime", mimeType))

	return sink, nil
}

type trackReader struct {
	remote *webrtc.TrackRemote
}

func (r trackReader) ReadRTP() (*rtp.Packet, error) {
	packet, _, err := r.remote.ReadRTP()
	return packet, err
}

func (s *Sink) ID() string {
	return s.id
}

func (s *Sink) StreamID() string {
	return s.streamID
}

func (s *Sink) Kind() webrtc.RTPCodecType {
	return s.kind
}

func (s *Sink) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Sink) isVP8() bool {
	return strings.EqualFold(s.mimeType, webrtc.MimeTypeVP8)
}

func (s *Sink) rtpReaderLoop() {
	defer s.cancel()

	var builder *samplebuilder.SampleBuilder
	if s.kind == webrtc.RTPCodecTypeVideo && s.isVP8() {
		builder = samplebuilder.New(s.maxLate, &codecs.VP8Packet{}, 90000)
	}

	for {
		packet, err := s.reader.ReadRTP()
		if err != nil {
			s.logger.Debug("remote track read loop ended", zap.Error(err))
			return
		}

		if builder == nil {
			continue
		}

		builder.Push(packet)
		for sample := builder.Pop(); sample != nil; sample = builder.Pop() {
			if isVP8Keyframe(sample.Data) {
				s.storeKeyframe(sample.Data)
			}
		}
	}
}

func (s *Sink) rtcpReaderLoop() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.rtpReceiver.Read(buf); err != nil {
			return
		}
	}
}

func (s *Sink) storeKeyframe(frame []byte) {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.keyframe = append(s.keyframe[:0], frame...)
	close(s.fresh)
	s.fresh = make(chan struct{})
}

// isVP8Keyframe checks the P bit of the VP8 payload header (RFC 6386 9.1).
func isVP8Keyframe(frame []byte) bool {
	return len(frame) >= 10 && frame[0]&0x01 == 0
}

// Snapshot asks the sender for a new keyframe and decodes it. When ctx ends
// first the last stored keyframe is used instead.
func (s *Sink) Snapshot(ctx context.Context) (image.Image, error) {
	if s.kind != webrtc.RTPCodecTypeVideo || !s.isVP8() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, s.mimeType)
	}

	s.mux.Lock()
	fresh := s.fresh
	s.mux.Unlock()

	if s.writeRTCP != nil {
		if err := s.writeRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: s.ssrc}}); err != nil {
			s.logger.Warn("error while requesting keyframe", zap.Error(err))
		}
	}

	select {
	case <-fresh:
	case <-ctx.Done():
	case <-s.ctx.Done():
	}

	s.mux.Lock()
	frame := append([]byte(nil), s.keyframe...)
	s.mux.Unlock()

	if len(frame) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
		}
		return nil, ErrNoFrame
	}

	return DecodeVP8(frame)
}

// DecodeVP8 decodes a single VP8 keyframe.
func DecodeVP8(frame []byte) (image.Image, error) {
	decoder := vp8.NewDecoder()
	decoder.Init(bytes.NewReader(frame), len(frame))

	header, err := decoder.DecodeFrameHeader()
	if err != nil {
		return nil, fmt.Errorf("error while decoding vp8 frame header: %w", err)
	}
	if !header.KeyFrame {
		return nil, errors.New("vp8 frame is not a keyframe")
	}

	img, err := decoder.DecodeFrame()
	if err != nil {
		return nil, fmt.Errorf("error while decoding vp8 frame: %w", err)
	}
	return img, nil
}

func (s *Sink) Close() error {
	s.once.Do(func() {
		s.cancel()
	})
	return nil
}
