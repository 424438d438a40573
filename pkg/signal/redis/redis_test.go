package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/harshabose/agentcall/pkg/signal"
)

const testSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func TestOptionsValidate(t *testing.T) {
	_, err := New(nil, WithMaxLen(0))
	require.Error(t, err)

	_, err = New(nil, WithBlock(-time.Second))
	require.Error(t, err)

	c, err := New(nil, WithMaxLen(10))
	require.NoError(t, err)
	require.Equal(t, signal.DefaultTable+":room-a", c.key("room-a"))
}

// TestStreamDelivery runs against a real server when REDIS_ADDR is set.
func TestStreamDelivery(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := Connect(ctx, Config{Addr: addr}, WithBlock(100*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	room := "test-" + uuid.NewString()
	require.NoError(t, c.Send(ctx, room, signal.NewOffer("peer_old", testSDP)))

	got := make(chan signal.Envelope, 4)
	sub, err := c.Subscribe(ctx, room, func(e signal.Envelope) { got <- e })
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.Send(ctx, room, signal.NewAnswer("peer_new", testSDP)))

	select {
	case e := <-got:
		require.Equal(t, signal.KindAnswer, e.Kind)
		require.Equal(t, signal.PeerID("peer_new"), e.Sender)
	case <-ctx.Done():
		t.Fatal("no delivery")
	}
}
