// Package mediasource acquires local camera, microphone and screen media and
// exposes it as tracks that can be sent on a peer connection.
package mediasource

import (
	"context"
	"errors"
	"image"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrUnavailable      = errors.New("media unavailable")
	ErrNoVideo          = errors.New("stream has no video track")
)

type ReadyState int

const (
	ReadyStateLive ReadyState = iota
	ReadyStateEnded
)

func (s ReadyState) String() string {
	if s == ReadyStateEnded {
		return "ended"
	}
	return "live"
}

// Track is one local capture track.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(enabled bool)
	ReadyState() ReadyState
	// Stop releases the capture device. It does not fire OnEnded handlers.
	Stop() error
	// OnEnded registers a handler for the source ending on its own, for
	// example the user closing a shared window. A handler registered on an
	// ended track runs immediately.
	OnEnded(handler func())
	Local() webrtc.TrackLocal
}

// FrameSource is implemented by video tracks that can produce a still image.
type FrameSource interface {
	Snapshot(ctx context.Context) (image.Image, error)
}

// Constraints selects what to capture.
type Constraints struct {
	Video     bool
	Audio     bool
	MaxWidth  int
	MaxHeight int
}

// Provider acquires local media. Both calls may block on user permission.
type Provider interface {
	GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error)
	GetDisplayMedia(ctx context.Context, constraints Constraints) (*Stream, error)
}

// Stream is an ordered group of tracks from one or more acquisitions.
type Stream struct {
	id     string
	tracks []Track
}

func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

func (s *Stream) Tracks() []Track {
	if s == nil {
		return nil
	}
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []Track {
	return s.byKind(webrtc.RTPCodecTypeAudio)
}

func (s *Stream) VideoTracks() []Track {
	return s.byKind(webrtc.RTPCodecTypeVideo)
}

func (s *Stream) byKind(kind webrtc.RTPCodecType) []Track {
	var tracks []Track
	for _, track := range s.Tracks() {
		if track.Kind() == kind {
			tracks = append(tracks, track)
		}
	}
	return tracks
}

// WithVideo returns a stream holding the audio tracks of s and the given
// video tracks.
func (s *Stream) WithVideo(video ...Track) *Stream {
	return NewStream(s.ID(), append(s.AudioTracks(), video...)...)
}

// SetAudioEnabled applies enabled to every audio track.
func (s *Stream) SetAudioEnabled(enabled bool) {
	for _, track := range s.AudioTracks() {
		track.SetEnabled(enabled)
	}
}

// Stop stops every track and is safe to call on a nil stream.
func (s *Stream) Stop() error {
	return StopTracks(s.Tracks()...)
}

func StopTracks(tracks ...Track) error {
	var merr error
	for _, track := range tracks {
		if err := track.Stop(); err != nil {
			merr = multierr.Append(merr, err)
		}
	}
	return merr
}
