package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/harshabose/agentcall/pkg/signal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server exposes a backing Channel to websocket clients, one connection per
// client and room. Inbound frames are validated and persisted; every
// envelope persisted for the room is written back out, including the
// client's own.
type Server struct {
	backend signal.Channel
	logger  *zap.Logger
}

func NewServer(backend signal.Channel, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{backend: backend, logger: logger}
}

// HandleRoom is the gin handler for routes with a :room parameter.
func (s *Server) HandleRoom(c *gin.Context) {
	room := c.Param("room")
	if room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room is required"})
		return
	}
	s.ServeRoom(c.Writer, c.Request, room)
}

func (s *Server) ServeRoom(w http.ResponseWriter, r *http.Request, room string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	logger := s.logger.With(zap.String("room", room), zap.String("remote", r.RemoteAddr))
	client := &serverClient{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.backend.Subscribe(ctx, room, client.forward)
	if err != nil {
		logger.Error("failed to subscribe backend", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend unavailable"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	connections.Inc()
	defer connections.Dec()
	logger.Info("relay client attached")

	go client.writePump()
	go func() {
		select {
		case err := <-sub.Err():
			logger.Error("backend subscription lost", zap.Error(err))
			_ = conn.Close()
		case <-ctx.Done():
		}
	}()

	client.readPump(ctx, s.backend, room)

	_ = sub.Close()
	close(client.send)
	logger.Info("relay client detached")
}

type serverClient struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger
}

// forward queues an envelope for the client. A client that falls this far
// behind loses envelopes.
func (c *serverClient) forward(envelope signal.Envelope) {
	data, err := signal.Encode(envelope)
	if err != nil {
		frames.WithLabelValues("out", "invalid").Inc()
		return
	}

	select {
	case c.send <- data:
	default:
		frames.WithLabelValues("out", "overflow").Inc()
		c.logger.Warn("relay client buffer full; dropping envelope", zap.String("kind", envelope.Kind.String()))
	}
}

func (c *serverClient) readPump(ctx context.Context, backend signal.Channel, room string) {
	defer func() {
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", zap.Error(err))
			}
			return
		}

		envelope, err := signal.Decode(data)
		if err != nil {
			frames.WithLabelValues("in", "malformed").Inc()
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		if err := backend.Send(ctx, room, envelope); err != nil {
			frames.WithLabelValues("in", "failed").Inc()
			c.logger.Error("failed to persist envelope", zap.Error(err))
			if errors.Is(err, context.Canceled) {
				return
			}
			continue
		}
		frames.WithLabelValues("in", "persisted").Inc()
	}
}

func (c *serverClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("failed to write frame", zap.Error(err))
				return
			}
			frames.WithLabelValues("out", "written").Inc()

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
