package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/harshabose/agentcall/pkg/signal"
)

const testSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func startRelay(t *testing.T) (*signal.Memory, string) {
	t.Helper()

	gin.SetMode(gin.TestMode)
	backend := signal.NewMemory(zaptest.NewLogger(t))
	server := NewServer(backend, zaptest.NewLogger(t))

	router := gin.New()
	router.GET("/ws/:room", server.HandleRoom)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return backend, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func collect(t *testing.T, c *Channel, room string) (<-chan signal.Envelope, signal.Subscription) {
	t.Helper()

	got := make(chan signal.Envelope, 16)
	sub, err := c.Subscribe(context.Background(), room, func(e signal.Envelope) { got <- e })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return got, sub
}

func receive(t *testing.T, ch <-chan signal.Envelope) signal.Envelope {
	t.Helper()

	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return signal.Envelope{}
	}
}

func TestRelayFanOut(t *testing.T) {
	ctx := context.Background()
	backend, base := startRelay(t)

	a, err := New(base, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer a.Close()
	b, err := New(base, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer b.Close()

	gotA, _ := collect(t, a, "room-a")
	require.NoError(t, a.Send(ctx, "room-a", signal.NewOffer("peer_a", testSDP)))
	require.Equal(t, signal.PeerID("peer_a"), receive(t, gotA).Sender)

	gotB, _ := collect(t, b, "room-a")
	require.NoError(t, b.Send(ctx, "room-a", signal.NewAnswer("peer_b", testSDP)))

	require.Equal(t, signal.KindAnswer, receive(t, gotB).Kind)
	e := receive(t, gotA)
	require.Equal(t, signal.KindAnswer, e.Kind)
	require.Equal(t, signal.PeerID("peer_b"), e.Sender)

	require.Len(t, backend.Envelopes("room-a"), 2)
}

func TestRelayDropsMalformedFrames(t *testing.T) {
	ctx := context.Background()
	backend, base := startRelay(t)

	raw, _, err := websocket.DefaultDialer.Dial(base+"/room-a", nil)
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"sender":"peer_x"}`)))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	c, err := New(base)
	require.NoError(t, err)
	defer c.Close()

	got, _ := collect(t, c, "room-a")
	require.NoError(t, c.Send(ctx, "room-a", signal.NewOffer("peer_a", testSDP)))
	require.Equal(t, signal.PeerID("peer_a"), receive(t, got).Sender)

	require.Eventually(t, func() bool {
		return len(backend.Records("room-a")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRelayBackendLossEndsSubscription(t *testing.T) {
	ctx := context.Background()
	backend, base := startRelay(t)

	c, err := New(base)
	require.NoError(t, err)
	defer c.Close()

	got, sub := collect(t, c, "room-a")
	require.NoError(t, c.Send(ctx, "room-a", signal.NewOffer("peer_a", testSDP)))
	receive(t, got)

	backend.Fail("room-a", signal.ErrClosed)

	select {
	case err := <-sub.Err():
		require.ErrorIs(t, err, signal.ErrSubscriptionLost)
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not end")
	}
}

func TestNewRejectsHTTP(t *testing.T) {
	_, err := New("http://localhost:8089/ws")
	require.Error(t, err)
}
