// Package icequeue holds remote ICE candidates until the connection they
// belong to can accept them.
package icequeue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrNoTarget    = errors.New("no connection bound to queue")
	ErrStaleTarget = errors.New("connection is no longer bound to queue")
)

const (
	DefaultHoldLimit = 64
	DefaultHoldTTL   = 15 * time.Second
)

// Target is the part of a peer connection the queue needs.
type Target interface {
	AddICECandidate(candidate webrtc.ICECandidateInit) error
}

type held struct {
	candidate webrtc.ICECandidateInit
	at        time.Time
}

type Queue struct {
	mux     sync.Mutex
	target  Target
	pending []held
	// drained is set once the bound target has its remote description.
	drained    bool
	generation uint64

	limit  int
	ttl    time.Duration
	logger *zap.Logger
}

type Option = func(*Queue)

func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithHoldLimit caps how many candidates are held. The oldest is dropped
// when the cap is reached.
func WithHoldLimit(limit int) Option {
	return func(q *Queue) {
		if limit > 0 {
			q.limit = limit
		}
	}
}

// WithHoldTTL bounds how long a candidate held while nothing is bound stays
// eligible for the next bound connection.
func WithHoldTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

func New(options ...Option) *Queue {
	q := &Queue{limit: DefaultHoldLimit, ttl: DefaultHoldTTL, logger: zap.NewNop()}
	for _, option := range options {
		option(q)
	}
	return q
}

// Bind attaches a freshly created connection. Candidates that arrived while
// nothing was bound are kept for it unless they are older than the hold
// TTL; candidates held for a previously bound connection are discarded.
func (q *Queue) Bind(target Target) uint64 {
	q.mux.Lock()
	defer q.mux.Unlock()

	if q.target != nil {
		q.pending = nil
		q.generation++
	} else {
		q.expire(time.Now())
	}
	q.target = target
	q.drained = false

	q.logger.Debug("queue bound", zap.Uint64("generation", q.generation), zap.Int("buffered", len(q.pending)))
	return q.generation
}

// Transfer moves held candidates to a connection that replaces the bound
// one before its remote description was set.
func (q *Queue) Transfer(target Target) uint64 {
	q.mux.Lock()
	defer q.mux.Unlock()

	q.target = target
	q.drained = false
	q.generation++

	q.logger.Debug("queue transferred", zap.Uint64("generation", q.generation), zap.Int("held", len(q.pending)))
	return q.generation
}

// Offer applies the candidate straight away once the bound connection has
// been drained, and holds it otherwise.
func (q *Queue) Offer(candidate webrtc.ICECandidateInit) (applied bool, err error) {
	q.mux.Lock()
	defer q.mux.Unlock()

	if q.target == nil || !q.drained {
		if len(q.pending) >= q.limit {
			q.logger.Debug("hold limit reached; dropping oldest candidate", zap.String("candidate", q.pending[0].candidate.Candidate))
			q.pending = append(q.pending[:0], q.pending[1:]...)
		}
		q.pending = append(q.pending, held{candidate: candidate, at: time.Now()})
		return false, nil
	}

	if err := q.target.AddICECandidate(candidate); err != nil {
		return false, fmt.Errorf("error while adding ice candidate: %w", err)
	}
	return true, nil
}

// Drain applies every held candidate to target in arrival order. It is
// called exactly once, right after the remote description of target is
// set. If target is no longer the bound connection nothing is applied and
// the held candidates stay for the connection that is. A candidate that
// fails is logged and skipped.
func (q *Queue) Drain(target Target) (int, error) {
	q.mux.Lock()
	defer q.mux.Unlock()

	if q.target == nil {
		return 0, ErrNoTarget
	}
	if q.target != target {
		q.logger.Debug("drain skipped for unbound connection", zap.Uint64("generation", q.generation))
		return 0, ErrStaleTarget
	}

	var (
		merr    error
		applied int
	)
	for _, h := range q.pending {
		if err := q.target.AddICECandidate(h.candidate); err != nil {
			q.logger.Warn("dropping queued ice candidate", zap.String("candidate", h.candidate.Candidate), zap.Error(err))
			merr = multierr.Append(merr, err)
			continue
		}
		applied++
	}

	q.pending = nil
	q.drained = true
	return applied, merr
}

// Reset forgets the bound connection and everything held for it.
func (q *Queue) Reset() {
	q.mux.Lock()
	defer q.mux.Unlock()

	q.target = nil
	q.pending = nil
	q.drained = false
	q.generation++
}

func (q *Queue) Len() int {
	q.mux.Lock()
	defer q.mux.Unlock()

	return len(q.pending)
}

func (q *Queue) Generation() uint64 {
	q.mux.Lock()
	defer q.mux.Unlock()

	return q.generation
}

// expire must be called with mux held.
func (q *Queue) expire(now time.Time) {
	kept := q.pending[:0]
	for _, h := range q.pending {
		if now.Sub(h.at) > q.ttl {
			q.logger.Debug("dropping expired candidate", zap.String("candidate", h.candidate.Candidate))
			continue
		}
		kept = append(kept, h)
	}
	q.pending = kept
}
