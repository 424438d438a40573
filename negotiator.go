package agentcall

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/harshabose/agentcall/pkg/icequeue"
	"github.com/harshabose/agentcall/pkg/signal"
)

// GlarePolicy decides what happens when an offer arrives while the local
// side is still negotiating its own.
//
// The default is GlareTieBreak. It departs from simply dropping the
// incoming offer: with both sides dropping, each waits for an answer that
// never comes. Under the tie-break exactly one side yields, rolls back its
// offer (or replaces the connection when rollback fails) and answers, so
// every glare ends in one call. GlareDropIncoming keeps the plain drop rule
// for deployments where only one side ever dials.
type GlarePolicy int

const (
	// GlareTieBreak makes the side with the smaller peer identity roll back
	// its own offer and answer the other one. The larger side drops the
	// incoming offer and keeps waiting for its answer.
	GlareTieBreak GlarePolicy = iota
	// GlareDropIncoming keeps the local offer and ignores the remote one. If
	// both sides dial at once both stay negotiating until one hangs up.
	GlareDropIncoming
)

func ParseGlarePolicy(s string) (GlarePolicy, error) {
	switch strings.ToLower(s) {
	case "", "tie-break", "tiebreak":
		return GlareTieBreak, nil
	case "drop-incoming", "drop":
		return GlareDropIncoming, nil
	default:
		return GlareTieBreak, fmt.Errorf("unknown glare policy %q", s)
	}
}

func (p GlarePolicy) String() string {
	if p == GlareDropIncoming {
		return "drop-incoming"
	}
	return "tie-break"
}

type action int

const (
	actionIgnore action = iota
	actionCandidate
	actionAnswer
	actionYield
	actionDefer
	actionAccept
	actionDrop
)

func (a action) String() string {
	return [...]string{"ignore", "candidate", "answer", "yield", "defer", "accept", "drop"}[a]
}

// sessionView is what the state machine needs to know about the current
// session to classify an inbound envelope.
type sessionView struct {
	exists  bool
	role    Role
	state   State
	hasConn bool
}

type decision struct {
	action action
	reason string
}

type NegotiationStats struct {
	Received       uint64
	Ignored        uint64
	Dropped        uint64
	OffersSent     uint64
	AnswersSent    uint64
	CandidatesSent uint64
	GlareYielded   uint64
	GlareKept      uint64
}

// Negotiator is the signaling state machine. It classifies inbound
// envelopes and runs the offer/answer steps against a session's
// connection. It never owns a connection.
type Negotiator struct {
	self    signal.PeerID
	room    string
	channel signal.Channel
	policy  GlarePolicy
	logger  *zap.Logger

	received       atomic.Uint64
	ignored        atomic.Uint64
	dropped        atomic.Uint64
	offersSent     atomic.Uint64
	answersSent    atomic.Uint64
	candidatesSent atomic.Uint64
	glareYielded   atomic.Uint64
	glareKept      atomic.Uint64
}

func NewNegotiator(self signal.PeerID, room string, channel signal.Channel, policy GlarePolicy, logger *zap.Logger) *Negotiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Negotiator{
		self:    self,
		room:    room,
		channel: channel,
		policy:  policy,
		logger:  logger,
	}
}

func (n *Negotiator) Self() signal.PeerID {
	return n.self
}

func (n *Negotiator) Stats() NegotiationStats {
	return NegotiationStats{
		Received:       n.received.Load(),
		Ignored:        n.ignored.Load(),
		Dropped:        n.dropped.Load(),
		OffersSent:     n.offersSent.Load(),
		AnswersSent:    n.answersSent.Load(),
		CandidatesSent: n.candidatesSent.Load(),
		GlareYielded:   n.glareYielded.Load(),
		GlareKept:      n.glareKept.Load(),
	}
}

// Decide classifies one inbound envelope. Envelopes sent by this peer are
// ignored before anything else is looked at.
func (n *Negotiator) Decide(view sessionView, envelope signal.Envelope) decision {
	if envelope.Sender == n.self {
		n.ignored.Add(1)
		return decision{action: actionIgnore, reason: "own envelope"}
	}
	n.received.Add(1)

	switch envelope.Kind {
	case signal.KindCandidate:
		return decision{action: actionCandidate}

	case signal.KindAnswer:
		if !view.exists || !view.hasConn {
			return n.drop("answer without a local connection")
		}
		return decision{action: actionAccept}

	case signal.KindOffer:
		if !view.exists {
			return decision{action: actionAnswer}
		}
		if view.role == RoleCallee {
			return n.drop("offer while already answering")
		}
		if view.state == StateActive {
			return n.drop("offer while call is active")
		}

		if n.policy == GlareDropIncoming || !n.self.YieldsTo(envelope.Sender) {
			n.glareKept.Add(1)
			glareTotal.WithLabelValues("kept").Inc()
			n.logger.Warn("glare: keeping own offer", zap.String("remote", envelope.Sender.String()), zap.String("policy", n.policy.String()))
			return n.drop("glare")
		}

		n.glareYielded.Add(1)
		glareTotal.WithLabelValues("yielded").Inc()
		n.logger.Warn("glare: yielding to remote offer", zap.String("remote", envelope.Sender.String()))
		if view.hasConn {
			return decision{action: actionYield, reason: "glare"}
		}
		return decision{action: actionDefer, reason: "glare"}
	}

	return n.drop("unknown envelope kind")
}

func (n *Negotiator) drop(reason string) decision {
	n.dropped.Add(1)
	envelopesDropped.WithLabelValues(reason).Inc()
	return decision{action: actionDrop, reason: reason}
}

// Offer creates the local offer, applies it and publishes it.
func (n *Negotiator) Offer(ctx context.Context, session *CallSession, conn Connection) error {
	offer, err := conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("error while creating offer: %w", err)
	}
	if session.Ended() {
		return ErrSessionEnded
	}

	if err := conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("error while setting local offer: %w", err)
	}
	if session.Ended() {
		return ErrSessionEnded
	}

	if err := n.publish(ctx, signal.NewOffer(n.self, offer.SDP)); err != nil {
		return err
	}
	n.offersSent.Add(1)
	return nil
}

// Answer applies a remote offer, drains queued candidates, and publishes
// the answer.
func (n *Negotiator) Answer(ctx context.Context, session *CallSession, conn Connection, queue *icequeue.Queue, offer webrtc.SessionDescription) error {
	if err := SetRemoteDescription(conn, queue, offer); err != nil {
		return err
	}
	if session.Ended() {
		return ErrSessionEnded
	}

	answer, err := conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("error while creating answer: %w", err)
	}
	if session.Ended() {
		return ErrSessionEnded
	}

	if err := conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("error while setting local answer: %w", err)
	}
	if session.Ended() {
		return ErrSessionEnded
	}

	if err := n.publish(ctx, signal.NewAnswer(n.self, answer.SDP)); err != nil {
		return err
	}
	n.answersSent.Add(1)
	return nil
}

// Accept applies a remote answer to a connection that is waiting for one.
func (n *Negotiator) Accept(session *CallSession, conn Connection, queue *icequeue.Queue, answer webrtc.SessionDescription) error {
	if state := conn.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		n.drop("answer without pending offer")
		return fmt.Errorf("%w: signaling state is %s", ErrUnexpectedAnswer, state)
	}

	if err := SetRemoteDescription(conn, queue, answer); err != nil {
		return err
	}
	if session.Ended() {
		return ErrSessionEnded
	}
	return nil
}

// Rollback discards the local offer so a remote offer can be applied.
func (n *Negotiator) Rollback(conn Connection) error {
	if err := conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		return fmt.Errorf("error while rolling back local offer: %w", err)
	}
	return nil
}

func (n *Negotiator) PublishCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	if err := n.publish(ctx, signal.NewCandidate(n.self, candidate)); err != nil {
		return err
	}
	n.candidatesSent.Add(1)
	return nil
}

func (n *Negotiator) publish(ctx context.Context, envelope signal.Envelope) error {
	if err := n.channel.Send(ctx, n.room, envelope); err != nil {
		return fmt.Errorf("error while publishing %s: %w", envelope.Kind, err)
	}
	n.logger.Debug("signal published", zap.String("kind", envelope.Kind.String()))
	return nil
}
