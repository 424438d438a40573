package agentcall

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/harshabose/agentcall/pkg/icequeue"
	"github.com/harshabose/agentcall/pkg/mediasource"
	"github.com/harshabose/agentcall/pkg/signal"
)

var (
	ErrInvalidState     = errors.New("operation not valid in current call state")
	ErrSessionEnded     = errors.New("call session ended")
	ErrBusy             = errors.New("media switch already in progress")
	ErrNotRunning       = errors.New("controller is not running")
	ErrUnexpectedAnswer = errors.New("answer without pending offer")
	ErrConnectionClosed = errors.New("peer connection closed")
)

// Controller runs one participant's calls in a room. It owns the current
// CallSession, its connection and its local media.
type Controller struct {
	self        signal.PeerID
	room        string
	policy      GlarePolicy
	constraints mediasource.Constraints
	jpegQuality int

	channel    signal.Channel
	factory    ConnectionFactory
	media      mediasource.Provider
	negotiator *Negotiator
	queue      *icequeue.Queue
	hold       []icequeue.Option

	mux     sync.Mutex
	session *CallSession
	nextID  uint64
	running bool
	ctx     context.Context

	notices   chan Notice
	ready     chan struct{}
	readyOnce sync.Once
	logger    *zap.Logger
}

func NewController(channel signal.Channel, factory ConnectionFactory, media mediasource.Provider, options ...ControllerOption) (*Controller, error) {
	if channel == nil || factory == nil || media == nil {
		return nil, errors.New("controller needs a signal channel, a connection factory and a media provider")
	}

	c := &Controller{
		self:        signal.NewPeerID(),
		room:        signal.DefaultRoom,
		policy:      GlareTieBreak,
		constraints: mediasource.Constraints{MaxWidth: 640, MaxHeight: 480},
		jpegQuality: 90,
		channel:     channel,
		factory:     factory,
		media:       media,
		notices:     make(chan Notice, 16),
		ready:       make(chan struct{}),
		logger:      zap.NewNop(),
	}

	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}

	c.logger = c.logger.With(zap.String("peer", c.self.String()), zap.String("room", c.room))
	c.queue = icequeue.New(append([]icequeue.Option{icequeue.WithLogger(c.logger)}, c.hold...)...)
	c.negotiator = NewNegotiator(c.self, c.room, c.channel, c.policy, c.logger)

	return c, nil
}

func (c *Controller) PeerID() signal.PeerID {
	return c.self
}

func (c *Controller) Room() string {
	return c.room
}

// Notices yields user-visible failures. Notices are dropped when nobody
// reads them.
func (c *Controller) Notices() <-chan Notice {
	return c.notices
}

// Ready is closed once Run has subscribed to the room for the first time.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

func (c *Controller) Stats() NegotiationStats {
	return c.negotiator.Stats()
}

// ConnectionStats reports transport stats for the current connection.
func (c *Controller) ConnectionStats() (Stat, bool) {
	c.mux.Lock()
	sess := c.currentLocked()
	var conn Connection
	if sess != nil {
		conn = sess.conn
	}
	c.mux.Unlock()

	provider, ok := conn.(StatsProvider)
	if !ok {
		return Stat{}, false
	}
	return provider.Stats(), true
}

func (c *Controller) State() State {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.session == nil {
		return StateIdle
	}
	return c.session.state
}

func (c *Controller) View() View {
	c.mux.Lock()
	defer c.mux.Unlock()

	return c.session.view()
}

// Run subscribes to the room and processes inbound envelopes until ctx is
// done or the subscription fails. A failed subscription ends the current
// call and is not retried. The current call is hung up when Run returns.
func (c *Controller) Run(ctx context.Context) error {
	c.mux.Lock()
	if c.running {
		c.mux.Unlock()
		return errors.New("controller already running")
	}
	c.running = true
	c.ctx = ctx
	c.mux.Unlock()

	defer func() {
		c.mux.Lock()
		c.running = false
		c.mux.Unlock()
	}()

	sub, err := c.channel.Subscribe(ctx, c.room, c.handle)
	if err != nil {
		c.notify(NoticeSignalLost, err)
		return fmt.Errorf("%w: %v", signal.ErrSubscriptionLost, err)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			c.logger.Warn("error while closing subscription", zap.Error(err))
		}
	}()
	defer func() {
		_ = c.HangUp()
	}()

	c.readyOnce.Do(func() {
		close(c.ready)
	})
	c.logger.Info("listening for signals")

	select {
	case <-ctx.Done():
		return nil
	case err := <-sub.Err():
		c.logger.Error("signal subscription lost", zap.Error(err))
		c.notify(NoticeSignalLost, err)
		c.endCurrent("signal-lost")
		return fmt.Errorf("%w: %v", signal.ErrSubscriptionLost, err)
	}
}

// StartCall places a call: it acquires camera and microphone, creates the
// connection and publishes an offer. If the remote side's offer wins a
// glare race while this runs, the call is answered instead.
func (c *Controller) StartCall(ctx context.Context) error {
	c.mux.Lock()
	if !c.running {
		c.mux.Unlock()
		return ErrNotRunning
	}
	if c.currentLocked() != nil {
		c.mux.Unlock()
		return fmt.Errorf("%w: call already in progress", ErrInvalidState)
	}
	sess := c.newSessionLocked(RoleCaller)
	c.mux.Unlock()

	conn, err := c.prepare(ctx, sess)
	if err != nil {
		return err
	}

	sess.negotiation.Lock()
	defer sess.negotiation.Unlock()

	c.mux.Lock()
	pending, role := sess.pendingOffer, sess.role
	sess.pendingOffer = nil
	c.mux.Unlock()

	switch {
	case pending != nil:
		err = c.negotiator.Answer(c.runContext(), sess, conn, c.queue, *pending)
		if err == nil {
			c.activate(sess)
		}
	case role == RoleCallee:
		// a yield is waiting for the negotiation lock and answers instead
		return nil
	default:
		err = c.negotiator.Offer(c.runContext(), sess, conn)
	}

	if err != nil {
		c.failNegotiation(sess, err)
		return err
	}
	return nil
}

// HangUp ends the current call. It is safe to call at any time and any
// number of times.
func (c *Controller) HangUp() error {
	c.mux.Lock()
	sess := c.session
	c.mux.Unlock()

	if sess == nil {
		return nil
	}
	return c.endSession(sess, "hang-up")
}

// Close hangs up. It is meant for process teardown.
func (c *Controller) Close() error {
	return c.HangUp()
}

// ToggleMic flips the microphone and reports whether it is now enabled.
func (c *Controller) ToggleMic() (bool, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	sess := c.currentLocked()
	if sess == nil || sess.state != StateActive {
		return false, ErrInvalidState
	}

	sess.micEnabled = !sess.micEnabled
	sess.local.SetAudioEnabled(sess.micEnabled)
	c.logger.Info("microphone toggled", zap.Bool("enabled", sess.micEnabled))
	return sess.micEnabled, nil
}

func (c *Controller) handle(envelope signal.Envelope) {
	c.mux.Lock()
	sess := c.currentLocked()
	view := sessionView{}
	if sess != nil {
		view = sessionView{exists: true, role: sess.role, state: sess.state, hasConn: sess.conn != nil}
	}

	d := c.negotiator.Decide(view, envelope)
	switch d.action {
	case actionDefer:
		desc := envelope.SDP
		sess.pendingOffer = &desc
		sess.role = RoleCallee
	case actionYield:
		sess.role = RoleCallee
	}
	ctx := c.ctx
	c.mux.Unlock()

	if d.action == actionIgnore {
		return
	}

	logger := c.logger.With(zap.String("kind", envelope.Kind.String()), zap.String("sender", envelope.Sender.String()))
	logger.Debug("signal received", zap.String("action", d.action.String()))

	switch d.action {
	case actionDrop:
		logger.Warn("dropping envelope", zap.String("reason", d.reason))
	case actionDefer:
		logger.Info("remote offer held until local connection exists")
	case actionCandidate:
		c.addCandidate(logger, envelope.Candidate)
	case actionAnswer:
		c.answerCall(ctx, logger, envelope.SDP)
	case actionYield:
		c.yield(ctx, logger, sess, envelope.SDP)
	case actionAccept:
		c.accept(logger, sess, envelope.SDP)
	}
}

func (c *Controller) addCandidate(logger *zap.Logger, candidate webrtc.ICECandidateInit) {
	applied, err := c.queue.Offer(candidate)
	if err != nil {
		logger.Warn("remote candidate rejected", zap.Error(err))
		return
	}
	if applied {
		candidatesApplied.WithLabelValues("direct").Inc()
		return
	}
	candidatesApplied.WithLabelValues("queued").Inc()
}

func (c *Controller) answerCall(ctx context.Context, logger *zap.Logger, offer webrtc.SessionDescription) {
	c.mux.Lock()
	if c.currentLocked() != nil {
		c.mux.Unlock()
		c.negotiator.drop("offer while busy")
		logger.Warn("dropping offer; a call started meanwhile")
		return
	}
	sess := c.newSessionLocked(RoleCallee)
	c.mux.Unlock()

	logger.Info("answering incoming call")

	conn, err := c.prepare(ctx, sess)
	if err != nil {
		return
	}

	sess.negotiation.Lock()
	defer sess.negotiation.Unlock()

	if err := c.negotiator.Answer(ctx, sess, conn, c.queue, offer); err != nil {
		c.failNegotiation(sess, err)
		return
	}
	c.activate(sess)
}

func (c *Controller) yield(ctx context.Context, logger *zap.Logger, sess *CallSession, offer webrtc.SessionDescription) {
	sess.negotiation.Lock()
	defer sess.negotiation.Unlock()

	c.mux.Lock()
	conn := sess.conn
	c.mux.Unlock()
	if sess.Ended() || conn == nil {
		return
	}

	if conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if err := c.negotiator.Rollback(conn); err != nil {
			logger.Warn("rollback failed; replacing connection", zap.Error(err))
			if conn, err = c.redial(sess, conn); err != nil {
				c.failNegotiation(sess, err)
				return
			}
		}
	}

	if err := c.negotiator.Answer(ctx, sess, conn, c.queue, offer); err != nil {
		c.failNegotiation(sess, err)
		return
	}
	c.activate(sess)
}

func (c *Controller) accept(logger *zap.Logger, sess *CallSession, answer webrtc.SessionDescription) {
	sess.negotiation.Lock()
	defer sess.negotiation.Unlock()

	c.mux.Lock()
	conn := sess.conn
	c.mux.Unlock()
	if sess.Ended() || conn == nil {
		return
	}

	err := c.negotiator.Accept(sess, conn, c.queue, answer)
	switch {
	case err == nil:
		c.activate(sess)
	case errors.Is(err, ErrUnexpectedAnswer):
		logger.Warn("dropping answer", zap.Error(err))
	default:
		c.failNegotiation(sess, err)
	}
}

// prepare acquires camera and microphone and creates the connection for
// sess. On failure the session is rolled back or ended and a notice is sent.
func (c *Controller) prepare(ctx context.Context, sess *CallSession) (Connection, error) {
	constraints := c.constraints
	constraints.Video, constraints.Audio = true, true

	stream, err := c.media.GetUserMedia(ctx, constraints)
	if err != nil {
		c.abort(sess)
		c.notify(NoticeMediaFailed, err)
		return nil, fmt.Errorf("error while acquiring local media: %w", err)
	}

	c.mux.Lock()
	if sess.Ended() {
		c.mux.Unlock()
		c.stopStream(stream)
		return nil, ErrSessionEnded
	}
	sess.local = stream
	sess.state = StateNegotiating
	c.mux.Unlock()

	conn, err := c.factory.NewConnection(c.runContext(), stream)
	if err != nil {
		c.notify(NoticeNegotiationFailed, err)
		_ = c.endSession(sess, "connection-failed")
		return nil, err
	}

	c.mux.Lock()
	if sess.Ended() {
		c.mux.Unlock()
		_ = conn.Close()
		return nil, ErrSessionEnded
	}
	sess.conn = conn
	c.queue.Bind(conn)
	c.mux.Unlock()

	go c.watch(sess, conn)
	return conn, nil
}

// redial replaces a connection that could not be rolled back. Candidates
// held for the old one are carried over; they describe the remote side.
func (c *Controller) redial(sess *CallSession, old Connection) (Connection, error) {
	c.mux.Lock()
	local := sess.local
	c.mux.Unlock()

	conn, err := c.factory.NewConnection(c.runContext(), local)
	if err != nil {
		return nil, err
	}

	c.mux.Lock()
	if sess.Ended() {
		c.mux.Unlock()
		_ = conn.Close()
		return nil, ErrSessionEnded
	}
	sess.conn = conn
	c.queue.Transfer(conn)
	c.mux.Unlock()

	_ = old.Close()
	go c.watch(sess, conn)
	return conn, nil
}

// watch forwards the connection's notification streams until the
// connection or the session ends.
func (c *Controller) watch(sess *CallSession, conn Connection) {
	for {
		select {
		case candidate := <-conn.Candidates():
			if sess.Ended() {
				return
			}
			c.publishCandidate(sess, conn, candidate)

		case track := <-conn.RemoteTracks():
			c.mux.Lock()
			if !sess.Ended() && sess.conn == conn {
				sess.remote = append(sess.remote, track)
			}
			c.mux.Unlock()
			c.logger.Info("remote track attached", zap.String("track", track.ID()), zap.String("kind", track.Kind().String()))

		case <-conn.Done():
			c.mux.Lock()
			current := !sess.Ended() && sess.conn == conn
			c.mux.Unlock()

			if current {
				c.notify(NoticeConnectionLost, ErrConnectionClosed)
				_ = c.endSession(sess, "connection-lost")
			}
			return

		case <-sess.ended:
			return
		}
	}
}

// publishCandidate runs between negotiation steps so that a rollback or a
// redial is never interleaved with it. Candidates of a replaced connection
// or of a rolled back offer are dropped.
func (c *Controller) publishCandidate(sess *CallSession, conn Connection, candidate LocalCandidate) {
	sess.negotiation.Lock()
	defer sess.negotiation.Unlock()

	c.mux.Lock()
	current := !sess.Ended() && sess.conn == conn
	c.mux.Unlock()

	if !current || candidate.Generation != conn.Generation() {
		candidatesStale.Inc()
		c.logger.Debug("dropping stale local candidate", zap.String("candidate", candidate.Candidate), zap.Uint64("generation", candidate.Generation))
		return
	}

	if err := c.negotiator.PublishCandidate(c.runContext(), candidate.ICECandidateInit); err != nil {
		c.logger.Warn("error while publishing local candidate", zap.Error(err))
	}
}

func (c *Controller) activate(sess *CallSession) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if sess.Ended() || sess.state == StateActive {
		return
	}
	sess.state = StateActive
	callsActive.Inc()
	c.logger.Info("call active", zap.Uint64("session", sess.id), zap.String("role", sess.role.String()))
}

func (c *Controller) failNegotiation(sess *CallSession, err error) {
	if errors.Is(err, ErrSessionEnded) || sess.Ended() {
		return
	}
	c.logger.Error("negotiation failed", zap.Uint64("session", sess.id), zap.Error(err))
	c.notify(NoticeNegotiationFailed, err)
	_ = c.endSession(sess, "negotiation-failed")
}

// abort rolls a session that never got media back to idle.
func (c *Controller) abort(sess *CallSession) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if sess.Ended() {
		return
	}
	sess.end()
	if c.session == sess {
		c.session = nil
	}
	c.logger.Info("call attempt rolled back", zap.Uint64("session", sess.id))
}

func (c *Controller) endCurrent(reason string) {
	c.mux.Lock()
	sess := c.currentLocked()
	c.mux.Unlock()

	if sess != nil {
		_ = c.endSession(sess, reason)
	}
}

// endSession closes the connection, stops local media, resets the ICE
// queue and marks sess ended. Later calls for the same session do nothing.
func (c *Controller) endSession(sess *CallSession, reason string) error {
	c.mux.Lock()
	if sess.Ended() {
		c.mux.Unlock()
		return nil
	}

	wasActive := sess.state == StateActive
	sess.state = StateEnded
	sess.end()

	conn, local := sess.conn, sess.local
	sess.conn, sess.local, sess.screen, sess.remote = nil, nil, nil, nil
	sess.sharing, sess.pendingOffer = false, nil
	c.queue.Reset()
	c.mux.Unlock()

	if wasActive {
		callsActive.Dec()
	}
	callsEnded.WithLabelValues(reason).Inc()

	var merr error
	if conn != nil {
		merr = multierr.Append(merr, conn.Close())
	}
	// a shared screen is part of local
	merr = multierr.Append(merr, local.Stop())

	logger := c.logger.With(zap.Uint64("session", sess.id), zap.String("reason", reason))
	if merr != nil {
		logger.Warn("call ended with teardown errors", zap.Error(merr))
		return merr
	}
	logger.Info("call ended")
	return nil
}

func (c *Controller) newSessionLocked(role Role) *CallSession {
	c.nextID++
	sess := newCallSession(c.nextID, role)
	c.session = sess
	callsTotal.WithLabelValues(role.String()).Inc()
	c.logger.Info("call session created", zap.Uint64("session", sess.id), zap.String("role", role.String()))
	return sess
}

// currentLocked returns the session unless there is none or it has ended.
func (c *Controller) currentLocked() *CallSession {
	if c.session == nil || c.session.Ended() {
		return nil
	}
	return c.session
}

func (c *Controller) runContext() context.Context {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Controller) notify(kind NoticeKind, err error) {
	notice := Notice{Kind: kind, Err: err}
	select {
	case c.notices <- notice:
	default:
		c.logger.Warn("notice dropped; nobody is reading", zap.String("notice", notice.Error()))
	}
}

func (c *Controller) stopStream(stream *mediasource.Stream) {
	if err := stream.Stop(); err != nil {
		c.logger.Warn("error while stopping stream", zap.Error(err))
	}
}
