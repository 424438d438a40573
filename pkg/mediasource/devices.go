package mediasource

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Devices is the Provider backed by the host's capture drivers.
type Devices struct {
	codecSelector *mediadevices.CodecSelector
	maxWidth      int
	maxHeight     int
	logger        *zap.Logger
}

func NewDevices(options ...DevicesOption) (*Devices, error) {
	devices := &Devices{
		maxWidth:  640,
		maxHeight: 480,
		logger:    zap.NewNop(),
	}

	for _, option := range options {
		if err := option(devices); err != nil {
			return nil, err
		}
	}

	if devices.codecSelector == nil {
		return nil, errors.New("no codec selector given")
	}

	return devices, nil
}

func (d *Devices) GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error) {
	return d.acquire(ctx, "user", constraints, mediadevices.GetUserMedia)
}

// GetDisplayMedia captures the screen. Only video is captured; system audio
// is not available from the screen driver.
func (d *Devices) GetDisplayMedia(ctx context.Context, constraints Constraints) (*Stream, error) {
	constraints.Audio = false
	return d.acquire(ctx, "display", constraints, mediadevices.GetDisplayMedia)
}

type acquisition struct {
	stream mediadevices.MediaStream
	err    error
}

func (d *Devices) acquire(ctx context.Context, source string, constraints Constraints, get func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)) (*Stream, error) {
	if !constraints.Video && !constraints.Audio {
		return nil, fmt.Errorf("%w: nothing requested", ErrUnavailable)
	}

	width, height := d.maxWidth, d.maxHeight
	if constraints.MaxWidth > 0 {
		width = constraints.MaxWidth
	}
	if constraints.MaxHeight > 0 {
		height = constraints.MaxHeight
	}

	request := mediadevices.MediaStreamConstraints{Codec: d.codecSelector}
	if constraints.Video {
		request.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.IntRanged{Max: width}
			c.Height = prop.IntRanged{Max: height}
		}
	}
	if constraints.Audio {
		request.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	done := make(chan acquisition, 1)
	go func() {
		stream, err := get(request)
		done <- acquisition{stream: stream, err: err}
	}()

	select {
	case <-ctx.Done():
		// the driver cannot be interrupted; release whatever it returns later
		go func() {
			if result := <-done; result.err == nil {
				for _, track := range result.stream.GetTracks() {
					_ = track.Close()
				}
			}
		}()
		return nil, ctx.Err()
	case result := <-done:
		if result.err != nil {
			d.logger.Warn("media acquisition failed", zap.String("source", source), zap.Error(result.err))
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, result.err)
		}

		raw := result.stream.GetTracks()
		tracks := make([]Track, 0, len(raw))
		for _, track := range raw {
			tracks = append(tracks, newDeviceTrack(track, d.logger))
		}

		d.logger.Info("media acquired", zap.String("source", source), zap.Int("tracks", len(tracks)))
		return NewStream(uuid.NewString(), tracks...), nil
	}
}

type deviceTrack struct {
	track   mediadevices.Track
	enabled atomic.Bool

	mux      sync.Mutex
	ended    bool
	stopped  bool
	handlers []func()
	logger   *zap.Logger
}

func newDeviceTrack(track mediadevices.Track, logger *zap.Logger) *deviceTrack {
	t := &deviceTrack{
		track:  track,
		logger: logger.With(zap.String("track", track.ID()), zap.String("kind", track.Kind().String())),
	}
	t.enabled.Store(true)

	if audio, ok := track.(*mediadevices.AudioTrack); ok {
		audio.Transform(Mute(&t.enabled))
	}

	track.OnEnded(t.onEnded)
	return t
}

func (t *deviceTrack) onEnded(err error) {
	t.mux.Lock()
	if t.ended || t.stopped {
		t.mux.Unlock()
		return
	}
	t.ended = true
	handlers := t.handlers
	t.handlers = nil
	t.mux.Unlock()

	t.logger.Info("track ended", zap.Error(err))
	for _, handler := range handlers {
		handler()
	}
}

func (t *deviceTrack) ID() string {
	return t.track.ID()
}

func (t *deviceTrack) Kind() webrtc.RTPCodecType {
	return t.track.Kind()
}

func (t *deviceTrack) Enabled() bool {
	return t.enabled.Load()
}

func (t *deviceTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *deviceTrack) ReadyState() ReadyState {
	t.mux.Lock()
	defer t.mux.Unlock()

	if t.ended || t.stopped {
		return ReadyStateEnded
	}
	return ReadyStateLive
}

func (t *deviceTrack) Stop() error {
	t.mux.Lock()
	if t.stopped {
		t.mux.Unlock()
		return nil
	}
	t.stopped = true
	t.handlers = nil
	t.mux.Unlock()

	if err := t.track.Close(); err != nil {
		return fmt.Errorf("error while closing track %s: %w", t.track.ID(), err)
	}
	return nil
}

func (t *deviceTrack) OnEnded(handler func()) {
	t.mux.Lock()
	if !t.ended {
		t.handlers = append(t.handlers, handler)
		t.mux.Unlock()
		return
	}
	t.mux.Unlock()

	handler()
}

func (t *deviceTrack) Local() webrtc.TrackLocal {
	return t.track
}

func (t *deviceTrack) Snapshot(ctx context.Context) (image.Image, error) {
	video, ok := t.track.(*mediadevices.VideoTrack)
	if !ok {
		return nil, ErrNoVideo
	}
	if t.ReadyState() == ReadyStateEnded {
		return nil, fmt.Errorf("%w: track %s has ended", ErrUnavailable, t.ID())
	}

	type frame struct {
		img image.Image
		err error
	}
	done := make(chan frame, 1)

	go func() {
		img, release, err := video.NewReader(false).Read()
		if err != nil {
			done <- frame{err: err}
			return
		}
		// the reader owns img until release; keep a copy
		copied := image.NewRGBA(img.Bounds())
		draw.Draw(copied, copied.Bounds(), img, img.Bounds().Min, draw.Src)
		if release != nil {
			release()
		}
		done <- frame{img: copied}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-done:
		if f.err != nil {
			return nil, fmt.Errorf("error while reading local frame: %w", f.err)
		}
		return f.img, nil
	}
}
