package agentcall

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harshabose/agentcall/pkg/mediasource"
	"github.com/harshabose/agentcall/pkg/signal"
)

const (
	testRoom        = "test-room"
	testSDPTemplate = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=%s\r\nt=0 0\r\n"
	testCandidate   = "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"
)

func testSDP(label string) string {
	return fmt.Sprintf(testSDPTemplate, label)
}

// fakeConn follows the signaling state rules of a real peer connection
// closely enough for negotiation to be exercised.
type fakeConn struct {
	label string

	mux         sync.Mutex
	state       webrtc.SignalingState
	remoteSet   bool
	closed      bool
	applied     []webrtc.ICECandidateInit
	replaced    []mediasource.Track
	lateCalls   int
	rollbackErr error
	gate        chan struct{}
	entered     chan struct{}
	generation  uint64

	candidates chan LocalCandidate
	tracks     chan RemoteTrack
	done       chan struct{}
	once       sync.Once
}

func newFakeConn(label string, gate chan struct{}) *fakeConn {
	return &fakeConn{
		label:      label,
		state:      webrtc.SignalingStateStable,
		gate:       gate,
		entered:    make(chan struct{}, 1),
		candidates: make(chan LocalCandidate, 8),
		tracks:     make(chan RemoteTrack, 8),
		done:       make(chan struct{}),
	}
}

// enter must be called with mux held.
func (c *fakeConn) enter() error {
	if c.closed {
		c.lateCalls++
		return ErrConnectionClosed
	}
	return nil
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if err := c.enter(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP(c.label)}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if err := c.enter(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("cannot answer in %s", c.state)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP(c.label)}, nil
}

func (c *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if err := c.enter(); err != nil {
		return err
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.state != webrtc.SignalingStateStable {
			return fmt.Errorf("cannot set local offer in %s", c.state)
		}
		c.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if c.state != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("cannot set local answer in %s", c.state)
		}
		c.state = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		if c.rollbackErr != nil {
			return c.rollbackErr
		}
		if c.state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("cannot roll back in %s", c.state)
		}
		c.state = webrtc.SignalingStateStable
		c.generation++
		return nil
	}

	mid := "0"
	select {
	case c.candidates <- LocalCandidate{ICECandidateInit: webrtc.ICECandidateInit{Candidate: testCandidate, SDPMid: &mid}, Generation: c.generation}:
	default:
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mux.Lock()
	if err := c.enter(); err != nil {
		c.mux.Unlock()
		return err
	}
	gate := c.gate
	c.mux.Unlock()

	if gate != nil {
		select {
		case c.entered <- struct{}{}:
		default:
		}
		<-gate
	}

	c.mux.Lock()
	defer c.mux.Unlock()

	// closed while this call was in flight
	if c.closed {
		return ErrConnectionClosed
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.state != webrtc.SignalingStateStable {
			return fmt.Errorf("cannot set remote offer in %s", c.state)
		}
		c.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if c.state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("cannot set remote answer in %s", c.state)
		}
		c.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("unsupported remote description %s", desc.Type)
	}
	c.remoteSet = true

	select {
	case c.tracks <- &fakeRemote{id: c.label + "-remote-video", kind: webrtc.RTPCodecTypeVideo}:
	default:
	}
	return nil
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if err := c.enter(); err != nil {
		return err
	}
	if !c.remoteSet {
		return errors.New("remote description not set")
	}
	c.applied = append(c.applied, candidate)
	return nil
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mux.Lock()
	defer c.mux.Unlock()

	return c.state
}

func (c *fakeConn) ReplaceVideoTrack(track mediasource.Track) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if err := c.enter(); err != nil {
		return err
	}
	c.replaced = append(c.replaced, track)
	return nil
}

func (c *fakeConn) Candidates() <-chan LocalCandidate {
	return c.candidates
}

func (c *fakeConn) Generation() uint64 {
	c.mux.Lock()
	defer c.mux.Unlock()

	return c.generation
}

func (c *fakeConn) RemoteTracks() <-chan RemoteTrack {
	return c.tracks
}

func (c *fakeConn) Done() <-chan struct{} {
	return c.done
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mux.Lock()
		c.closed = true
		c.mux.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	return c.closed
}

func (c *fakeConn) appliedCandidates() []webrtc.ICECandidateInit {
	c.mux.Lock()
	defer c.mux.Unlock()

	return append([]webrtc.ICECandidateInit(nil), c.applied...)
}

func (c *fakeConn) replacedTracks() []mediasource.Track {
	c.mux.Lock()
	defer c.mux.Unlock()

	return append([]mediasource.Track(nil), c.replaced...)
}

func (c *fakeConn) late() int {
	c.mux.Lock()
	defer c.mux.Unlock()

	return c.lateCalls
}

type fakeRemote struct {
	id   string
	kind webrtc.RTPCodecType
}

func (r *fakeRemote) ID() string                { return r.id }
func (r *fakeRemote) StreamID() string          { return "remote-stream" }
func (r *fakeRemote) Kind() webrtc.RTPCodecType { return r.kind }

func (r *fakeRemote) Snapshot(context.Context) (image.Image, error) {
	return solid(8, 6, color.RGBA{R: 200, A: 255}), nil
}

type fakeFactory struct {
	name string

	mux   sync.Mutex
	conns []*fakeConn
	gate  chan struct{}
	err   error
}

func (f *fakeFactory) NewConnection(_ context.Context, _ *mediasource.Stream) (Connection, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	conn := newFakeConn(fmt.Sprintf("%s-%d", f.name, len(f.conns)+1), f.gate)
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeFactory) count() int {
	f.mux.Lock()
	defer f.mux.Unlock()

	return len(f.conns)
}

func (f *fakeFactory) last() *fakeConn {
	f.mux.Lock()
	defer f.mux.Unlock()

	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType

	mux      sync.Mutex
	enabled  bool
	ended    bool
	handlers []func()
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal  { return nil }

func (t *fakeTrack) Enabled() bool {
	t.mux.Lock()
	defer t.mux.Unlock()

	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mux.Lock()
	defer t.mux.Unlock()

	t.enabled = enabled
}

func (t *fakeTrack) ReadyState() mediasource.ReadyState {
	t.mux.Lock()
	defer t.mux.Unlock()

	if t.ended {
		return mediasource.ReadyStateEnded
	}
	return mediasource.ReadyStateLive
}

func (t *fakeTrack) Stop() error {
	t.mux.Lock()
	defer t.mux.Unlock()

	t.ended = true
	t.handlers = nil
	return nil
}

func (t *fakeTrack) OnEnded(handler func()) {
	t.mux.Lock()
	if t.ended {
		t.mux.Unlock()
		handler()
		return
	}
	t.handlers = append(t.handlers, handler)
	t.mux.Unlock()
}

// End simulates the source going away on its own.
func (t *fakeTrack) End() {
	t.mux.Lock()
	if t.ended {
		t.mux.Unlock()
		return
	}
	t.ended = true
	handlers := t.handlers
	t.handlers = nil
	t.mux.Unlock()

	for _, handler := range handlers {
		handler()
	}
}

func (t *fakeTrack) Snapshot(context.Context) (image.Image, error) {
	return solid(4, 4, color.RGBA{G: 200, A: 255}), nil
}

type fakeMedia struct {
	name string

	mux        sync.Mutex
	n          int
	tracks     []*fakeTrack
	userErr    error
	displayErr error
	gate       chan struct{}
	waiting    chan struct{}
}

func newFakeMedia(name string) *fakeMedia {
	return &fakeMedia{name: name, waiting: make(chan struct{}, 4)}
}

func (m *fakeMedia) newTrack(prefix string, kind webrtc.RTPCodecType) *fakeTrack {
	m.n++
	track := &fakeTrack{id: fmt.Sprintf("%s-%s-%d", m.name, prefix, m.n), kind: kind, enabled: true}
	m.tracks = append(m.tracks, track)
	return track
}

func (m *fakeMedia) GetUserMedia(ctx context.Context, constraints mediasource.Constraints) (*mediasource.Stream, error) {
	m.mux.Lock()
	gate, err := m.gate, m.userErr
	m.mux.Unlock()

	if gate != nil {
		select {
		case m.waiting <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	m.mux.Lock()
	defer m.mux.Unlock()

	var tracks []mediasource.Track
	if constraints.Audio {
		tracks = append(tracks, m.newTrack("mic", webrtc.RTPCodecTypeAudio))
	}
	if constraints.Video {
		tracks = append(tracks, m.newTrack("camera", webrtc.RTPCodecTypeVideo))
	}
	return mediasource.NewStream(m.name+"-user", tracks...), nil
}

func (m *fakeMedia) GetDisplayMedia(_ context.Context, _ mediasource.Constraints) (*mediasource.Stream, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	if m.displayErr != nil {
		return nil, m.displayErr
	}
	return mediasource.NewStream(m.name+"-display", m.newTrack("screen", webrtc.RTPCodecTypeVideo)), nil
}

func (m *fakeMedia) setGate(gate chan struct{}) {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.gate = gate
}

func (m *fakeMedia) all() []*fakeTrack {
	m.mux.Lock()
	defer m.mux.Unlock()

	return append([]*fakeTrack(nil), m.tracks...)
}

func (m *fakeMedia) byPrefix(prefix string) []*fakeTrack {
	var tracks []*fakeTrack
	for _, track := range m.all() {
		if strings.HasPrefix(track.id, m.name+"-"+prefix) {
			tracks = append(tracks, track)
		}
	}
	return tracks
}

func (m *fakeMedia) live() []*fakeTrack {
	var tracks []*fakeTrack
	for _, track := range m.all() {
		if track.ReadyState() == mediasource.ReadyStateLive {
			tracks = append(tracks, track)
		}
	}
	return tracks
}

func solid(w, h int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// running is a Controller whose Run loop is active until the test ends.
type running struct {
	ctrl *Controller

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func runController(t *testing.T, channel signal.Channel, id signal.PeerID, factory ConnectionFactory, media mediasource.Provider, options ...ControllerOption) *running {
	t.Helper()

	options = append([]ControllerOption{WithPeerID(id), WithRoom(testRoom), WithLogger(zap.NewNop())}, options...)
	ctrl, err := NewController(channel, factory, media, options...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{ctrl: ctrl, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.err = ctrl.Run(ctx)
	}()

	select {
	case <-ctrl.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not subscribe")
	}

	t.Cleanup(r.stop)
	return r
}

func (r *running) stop() {
	r.cancel()
	<-r.done
}

// peer is one running Controller with fake media and connections.
type peer struct {
	*running
	media   *fakeMedia
	factory *fakeFactory
}

func newPeer(t *testing.T, channel signal.Channel, id signal.PeerID, options ...ControllerOption) *peer {
	t.Helper()

	p := &peer{
		media:   newFakeMedia(string(id)),
		factory: &fakeFactory{name: string(id)},
	}
	p.running = runController(t, channel, id, p.factory, p.media, options...)
	return p
}

func (p *peer) conn() *fakeConn {
	return p.factory.last()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, what)
}

func waitState(t *testing.T, p *peer, state State) {
	t.Helper()
	waitFor(t, "state "+state.String(), func() bool { return p.ctrl.State() == state })
}

func countKind(envelopes []signal.Envelope, kind signal.Kind, sender signal.PeerID) int {
	n := 0
	for _, envelope := range envelopes {
		if envelope.Kind == kind && (sender == "" || envelope.Sender == sender) {
			n++
		}
	}
	return n
}

func nextNotice(t *testing.T, c *Controller) Notice {
	t.Helper()

	select {
	case notice := <-c.Notices():
		return notice
	case <-time.After(3 * time.Second):
		t.Fatal("no notice")
		return Notice{}
	}
}

// connectPair runs a full call between a and b, a calling.
func connectPair(t *testing.T, a, b *peer) {
	t.Helper()

	require.NoError(t, a.ctrl.StartCall(context.Background()))
	waitState(t, a, StateActive)
	waitState(t, b, StateActive)
}
