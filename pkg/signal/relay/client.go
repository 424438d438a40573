// Package relay carries signals over websockets to a relay server that
// persists them in another signal channel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/harshabose/agentcall/pkg/signal"
)

// Channel is the client side. It keeps one websocket per room, shared by
// Send and every Subscribe on that room.
type Channel struct {
	base   string
	dialer *websocket.Dialer
	logger *zap.Logger

	mux    sync.Mutex
	rooms  map[string]*roomConn
	closed bool
}

type Option = func(*Channel) error

func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Channel) error {
		if dialer == nil {
			return errors.New("dialer cannot be nil")
		}
		c.dialer = dialer
		return nil
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) error {
		c.logger = logger
		return nil
	}
}

// New targets base, a ws:// or wss:// URL the room name is appended to.
func New(base string, options ...Option) (*Channel, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay url must be ws or wss, got %q", u.Scheme)
	}

	c := &Channel{
		base:   strings.TrimSuffix(base, "/"),
		dialer: websocket.DefaultDialer,
		logger: zap.NewNop(),
		rooms:  make(map[string]*roomConn),
	}

	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Channel) Send(ctx context.Context, room string, envelope signal.Envelope) error {
	data, err := signal.Encode(envelope)
	if err != nil {
		return err
	}

	rc, err := c.connect(ctx, room)
	if err != nil {
		return err
	}

	if err := rc.write(ctx, data); err != nil {
		return err
	}

	signal.CountSent(envelope.Kind)
	return nil
}

func (c *Channel) Subscribe(ctx context.Context, room string, handler signal.Handler) (signal.Subscription, error) {
	rc, err := c.connect(ctx, room)
	if err != nil {
		return nil, err
	}

	sub := &relaySub{Pump: signal.NewPump(ctx, handler, c.logger.With(zap.String("room", room))), rc: rc}
	if err := rc.add(sub); err != nil {
		return nil, err
	}

	go func() {
		defer sub.Finish()
		defer rc.remove(sub)
		sub.Loop()
	}()

	return sub, nil
}

// Close drops every room connection. Open subscriptions report
// ErrSubscriptionLost.
func (c *Channel) Close() error {
	c.mux.Lock()
	c.closed = true
	rooms := c.rooms
	c.rooms = make(map[string]*roomConn)
	c.mux.Unlock()

	var merr error
	for _, rc := range rooms {
		merr = multierr.Append(merr, rc.close(signal.ErrClosed))
	}
	return merr
}

func (c *Channel) connect(ctx context.Context, room string) (*roomConn, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closed {
		return nil, signal.ErrClosed
	}
	if rc, exists := c.rooms[room]; exists {
		return rc, nil
	}

	target := c.base + "/" + url.PathEscape(room)
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("error while dialing relay %s: %w", target, err)
	}

	rc := &roomConn{
		room:   room,
		conn:   conn,
		subs:   make(map[*relaySub]struct{}),
		logger: c.logger.With(zap.String("room", room)),
	}
	c.rooms[room] = rc

	go func() {
		err := rc.readLoop()
		c.mux.Lock()
		if c.rooms[room] == rc {
			delete(c.rooms, room)
		}
		c.mux.Unlock()
		_ = rc.close(err)
	}()

	return rc, nil
}

type roomConn struct {
	room     string
	conn     *websocket.Conn
	writeMux sync.Mutex

	mux    sync.Mutex
	subs   map[*relaySub]struct{}
	err    error
	logger *zap.Logger
}

type relaySub struct {
	*signal.Pump
	rc *roomConn
}

func (rc *roomConn) write(ctx context.Context, data []byte) error {
	rc.writeMux.Lock()
	defer rc.writeMux.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	_ = rc.conn.SetWriteDeadline(deadline)

	if err := rc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("error while writing to relay: %w", err)
	}
	return nil
}

func (rc *roomConn) readLoop() error {
	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			return err
		}

		rc.mux.Lock()
		for sub := range rc.subs {
			sub.Enqueue(data)
		}
		rc.mux.Unlock()
	}
}

func (rc *roomConn) add(sub *relaySub) error {
	rc.mux.Lock()
	defer rc.mux.Unlock()

	if rc.err != nil {
		return rc.err
	}
	rc.subs[sub] = struct{}{}
	return nil
}

func (rc *roomConn) remove(sub *relaySub) {
	rc.mux.Lock()
	defer rc.mux.Unlock()

	delete(rc.subs, sub)
}

// close ends the connection once and aborts every subscription with cause.
func (rc *roomConn) close(cause error) error {
	rc.mux.Lock()
	if rc.err != nil {
		rc.mux.Unlock()
		return nil
	}
	rc.err = fmt.Errorf("%w: %v", signal.ErrSubscriptionLost, cause)
	subs := make([]*relaySub, 0, len(rc.subs))
	for sub := range rc.subs {
		subs = append(subs, sub)
	}
	rc.mux.Unlock()

	for _, sub := range subs {
		sub.Abort(rc.err)
	}

	rc.writeMux.Lock()
	_ = rc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	rc.writeMux.Unlock()

	return rc.conn.Close()
}
