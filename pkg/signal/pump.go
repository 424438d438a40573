package signal

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Pump is the Subscription shared by the channel implementations. The
// backend runs its receive loop in a goroutine, hands raw payloads to
// Deliver and calls Finish when the loop exits.
type Pump struct {
	handler Handler
	logger  *zap.Logger

	mux     sync.Mutex
	pending [][]byte
	wake    chan struct{}

	errc   chan error
	done   chan struct{}
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func NewPump(ctx context.Context, handler Handler, logger *zap.Logger) *Pump {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx2, cancel2 := context.WithCancel(ctx)

	return &Pump{
		handler: handler,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		errc:    make(chan error, 1),
		done:    make(chan struct{}),
		ctx:     ctx2,
		cancel:  cancel2,
	}
}

// Context is cancelled when the subscription is closed.
func (p *Pump) Context() context.Context {
	return p.ctx
}

// Deliver decodes one stored payload and passes it on. Malformed payloads
// are dropped.
func (p *Pump) Deliver(data []byte) bool {
	envelope, err := Decode(data)
	if err != nil {
		p.logger.Warn("dropping malformed signal", zap.Error(err))
		dropped.WithLabelValues("malformed").Inc()
		return false
	}

	select {
	case <-p.ctx.Done():
		return false
	default:
	}

	received.WithLabelValues(envelope.Kind.String()).Inc()
	p.handler(envelope)
	return true
}

// Enqueue buffers a payload for Loop without waiting for the handler.
func (p *Pump) Enqueue(data []byte) {
	p.mux.Lock()
	p.pending = append(p.pending, data)
	p.mux.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pump) next() ([]byte, bool) {
	p.mux.Lock()
	defer p.mux.Unlock()

	if len(p.pending) == 0 {
		return nil, false
	}
	data := p.pending[0]
	p.pending = p.pending[1:]
	return data, true
}

// Loop delivers enqueued payloads in order until the pump is closed or
// aborted.
func (p *Pump) Loop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		}

		for {
			data, ok := p.next()
			if !ok {
				break
			}
			p.Deliver(data)
		}
	}
}

// Fail records the terminal error. Errors after the first, or after Close,
// are discarded.
func (p *Pump) Fail(err error) {
	if p.ctx.Err() != nil {
		return
	}
	select {
	case p.errc <- err:
	default:
	}
}

// Abort records err and stops the receive loop.
func (p *Pump) Abort(err error) {
	p.Fail(err)
	p.cancel()
}

func (p *Pump) Finish() {
	close(p.done)
}

func (p *Pump) Err() <-chan error {
	return p.errc
}

// Close stops the receive loop and waits for it to exit. It must not be
// called from inside a Handler.
func (p *Pump) Close() error {
	p.once.Do(func() {
		p.cancel()
	})
	<-p.done
	return nil
}
