package agentcall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/harshabose/agentcall/pkg/icequeue"
	"github.com/harshabose/agentcall/pkg/mediasink"
	"github.com/harshabose/agentcall/pkg/mediasource"
)

// RemoteTrack is an inbound track surfaced by a connection.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// LocalCandidate is a locally gathered candidate. Generation is the
// connection's generation when the candidate was gathered; a rollback of
// the local offer starts a new generation.
type LocalCandidate struct {
	webrtc.ICECandidateInit
	Generation uint64
}

// Connection is the negotiation surface of one peer connection plus its
// notification streams.
type Connection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	// ReplaceVideoTrack swaps the outbound video without renegotiating.
	// It does nothing when the connection sends no video.
	ReplaceVideoTrack(track mediasource.Track) error

	// Candidates yields locally gathered candidates.
	Candidates() <-chan LocalCandidate
	// Generation counts rollbacks of the local offer.
	Generation() uint64
	RemoteTracks() <-chan RemoteTrack
	// Done is closed once the connection is closed, by Close or by failure.
	Done() <-chan struct{}
	Close() error
}

// SetRemoteDescription applies desc and then drains the candidates queued
// for conn. If conn was unbound from the queue meanwhile, the candidates
// are left for the connection that replaced it.
func SetRemoteDescription(conn Connection, queue *icequeue.Queue, desc webrtc.SessionDescription) error {
	if err := conn.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("error while setting remote description: %w", err)
	}

	// individual candidate failures are logged by the queue and are not
	// fatal to negotiation
	applied, err := queue.Drain(conn)
	if errors.Is(err, icequeue.ErrStaleTarget) || errors.Is(err, icequeue.ErrNoTarget) {
		return nil
	}
	candidatesApplied.WithLabelValues("drained").Add(float64(applied))
	return nil
}

type PeerConnection struct {
	label          string
	peerConnection *webrtc.PeerConnection

	candidates chan LocalCandidate
	generation atomic.Uint64
	tracks     chan RemoteTrack
	sinks      []*mediasink.Sink
	sinksMux   sync.Mutex
	stat       *stat

	bufferSize     int
	closeOnFailure bool
	logger         *zap.Logger

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func CreatePeerConnection(ctx context.Context, label string, api *webrtc.API, config webrtc.Configuration, local *mediasource.Stream, options ...PeerConnectionOption) (*PeerConnection, error) {
	peerConnection, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}

	ctx2, cancel2 := context.WithCancel(ctx)

	pc := &PeerConnection{
		label:          label,
		peerConnection: peerConnection,
		bufferSize:     64,
		closeOnFailure: true,
		logger:         zap.NewNop(),
		ctx:            ctx2,
		cancel:         cancel2,
	}

	for _, option := range options {
		if err := option(pc); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.logger = pc.logger.With(zap.String("pc", label))
	pc.candidates = make(chan LocalCandidate, pc.bufferSize)
	pc.tracks = make(chan RemoteTrack, pc.bufferSize)
	pc.stat = newStat()

	if err := pc.addLocalTracks(local); err != nil {
		_ = pc.Close()
		return nil, err
	}

	return pc.onConnectionStateChangeEvent().onICEConnectionStateChange().onICEGatheringStateChange().onICECandidate().onTrack(), nil
}

func (pc *PeerConnection) addLocalTracks(local *mediasource.Stream) error {
	sending := map[webrtc.RTPCodecType]bool{}

	for _, track := range local.Tracks() {
		sender, err := pc.peerConnection.AddTrack(track.Local())
		if err != nil {
			return fmt.Errorf("error while adding %s track: %w", track.Kind(), err)
		}
		sending[track.Kind()] = true

		go pc.rtpSenderLoop(sender)
	}

	// always offer to receive both kinds, even without local media
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if sending[kind] {
			continue
		}
		if _, err := pc.peerConnection.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return fmt.Errorf("error while adding recvonly %s transceiver: %w", kind, err)
		}
	}

	return nil
}

// rtpSenderLoop reads RTCP so the interceptors see it.
func (pc *PeerConnection) rtpSenderLoop(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.ctx.Done()
}

func (pc *PeerConnection) GetLabel() string {
	return pc.label
}

func (pc *PeerConnection) GetPeerConnection() *webrtc.PeerConnection {
	return pc.peerConnection
}

func (pc *PeerConnection) Candidates() <-chan LocalCandidate {
	return pc.candidates
}

func (pc *PeerConnection) Generation() uint64 {
	return pc.generation.Load()
}

func (pc *PeerConnection) RemoteTracks() <-chan RemoteTrack {
	return pc.tracks
}

func (pc *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return pc.peerConnection.CreateOffer(nil)
}

func (pc *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return pc.peerConnection.CreateAnswer(nil)
}

func (pc *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	if err := pc.peerConnection.SetLocalDescription(desc); err != nil {
		return err
	}
	if desc.Type == webrtc.SDPTypeRollback {
		pc.generation.Add(1)
	}
	return nil
}

func (pc *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return pc.peerConnection.SetRemoteDescription(desc)
}

func (pc *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return pc.peerConnection.AddICECandidate(candidate)
}

func (pc *PeerConnection) SignalingState() webrtc.SignalingState {
	return pc.peerConnection.SignalingState()
}

func (pc *PeerConnection) ReplaceVideoTrack(track mediasource.Track) error {
	for _, sender := range pc.peerConnection.GetSenders() {
		current := sender.Track()
		if current == nil || current.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}

		if err := sender.ReplaceTrack(track.Local()); err != nil {
			return fmt.Errorf("error while replacing video track: %w", err)
		}
		pc.logger.Info("outbound video track replaced", zap.String("track", track.ID()))
		return nil
	}

	pc.logger.Debug("no outbound video sender; replace skipped")
	return nil
}

func (pc *PeerConnection) onConnectionStateChangeEvent() *PeerConnection {
	pc.peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		pc.logger.Info("peer connection state changed", zap.String("state", state.String()))

		switch state {
		case webrtc.PeerConnectionStateFailed:
			if !pc.closeOnFailure {
				return
			}
			if err := pc.Close(); err != nil {
				pc.logger.Warn("error while closing failed peer connection", zap.Error(err))
			}
		case webrtc.PeerConnectionStateClosed:
			pc.cancel()
		}
	})
	return pc
}

func (pc *PeerConnection) onICEConnectionStateChange() *PeerConnection {
	pc.peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		pc.logger.Debug("ice connection state changed", zap.String("state", state.String()))
	})
	return pc
}

func (pc *PeerConnection) onICEGatheringStateChange() *PeerConnection {
	pc.peerConnection.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		pc.logger.Debug("ice gathering state changed", zap.String("state", state.String()))
	})
	return pc
}

func (pc *PeerConnection) onICECandidate() *PeerConnection {
	pc.peerConnection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			pc.logger.Debug("ice gathering complete")
			return
		}

		select {
		case pc.candidates <- LocalCandidate{ICECandidateInit: candidate.ToJSON(), Generation: pc.generation.Load()}:
		case <-pc.ctx.Done():
		}
	})
	return pc
}

func (pc *PeerConnection) onTrack() *PeerConnection {
	pc.peerConnection.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		sink, err := mediasink.CreateSink(pc.ctx, remote, receiver,
			mediasink.WithRTCPWriter(pc.peerConnection.WriteRTCP),
			mediasink.WithLogger(pc.logger),
		)
		if err != nil {
			pc.logger.Warn("error while creating sink for remote track", zap.Error(err))
			return
		}

		pc.sinksMux.Lock()
		pc.sinks = append(pc.sinks, sink)
		pc.sinksMux.Unlock()

		pc.logger.Info("remote track received", zap.String("track", remote.ID()), zap.String("kind", remote.Kind().String()))

		select {
		case pc.tracks <- sink:
		case <-pc.ctx.Done():
		}
	})
	return pc
}

// Stats collects a snapshot of the pion stats report.
func (pc *PeerConnection) Stats() Stat {
	for _, report := range pc.peerConnection.GetStats() {
		if err := pc.stat.Consume(report); err != nil {
			pc.logger.Debug("stat skipped", zap.Error(err))
		}
	}
	return pc.stat.Generate()
}

func (pc *PeerConnection) Close() error {
	var merr error
	pc.once.Do(func() {
		pc.logger.Debug("closing peer connection")
		if pc.cancel != nil {
			pc.cancel()
		}

		if err := pc.peerConnection.Close(); err != nil {
			merr = multierr.Append(merr, err)
		}

		pc.sinksMux.Lock()
		for _, sink := range pc.sinks {
			merr = multierr.Append(merr, sink.Close())
		}
		pc.sinksMux.Unlock()

		if merr != nil {
			pc.logger.Warn("peer connection closed with errors", zap.Error(merr))
		}
	})

	return merr
}
