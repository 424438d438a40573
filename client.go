package agentcall

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/harshabose/agentcall/pkg/mediasource"
)

// ConnectionFactory creates the peer connection for one call attempt.
type ConnectionFactory interface {
	NewConnection(ctx context.Context, local *mediasource.Stream) (Connection, error)
}

// Client builds peer connections that share one media engine, interceptor
// registry and setting engine.
type Client struct {
	mediaEngine         *webrtc.MediaEngine
	settingsEngine      *webrtc.SettingEngine
	interceptorRegistry *interceptor.Registry
	api                 *webrtc.API
	config              webrtc.Configuration
	connectionOptions   []PeerConnectionOption

	pcs    map[string]*PeerConnection
	mux    sync.Mutex
	logger *zap.Logger
}

func NewClient(config webrtc.Configuration, options ...ClientOption) (*Client, error) {
	c := &Client{
		mediaEngine:         &webrtc.MediaEngine{},
		interceptorRegistry: &interceptor.Registry{},
		settingsEngine:      &webrtc.SettingEngine{},
		config:              config,
		pcs:                 make(map[string]*PeerConnection),
		logger:              zap.NewNop(),
	}

	c.settingsEngine.SetICETimeouts(ICEDisconnectedTimeout, ICEFailedTimeout, ICEKeepAliveInterval)

	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}

	c.api = webrtc.NewAPI(webrtc.WithMediaEngine(c.mediaEngine), webrtc.WithInterceptorRegistry(c.interceptorRegistry), webrtc.WithSettingEngine(*c.settingsEngine))

	return c, nil
}

func (c *Client) NewConnection(ctx context.Context, local *mediasource.Stream) (Connection, error) {
	label := uuid.NewString()

	options := append([]PeerConnectionOption{WithPeerConnectionLogger(c.logger)}, c.connectionOptions...)
	pc, err := CreatePeerConnection(ctx, label, c.api, c.config, local, options...)
	if err != nil {
		return nil, fmt.Errorf("error while creating peer connection: %w", err)
	}

	c.mux.Lock()
	c.pcs[label] = pc
	c.mux.Unlock()

	go func() {
		<-pc.Done()
		c.mux.Lock()
		delete(c.pcs, label)
		c.mux.Unlock()
	}()

	return pc, nil
}

// Close closes every connection the client still tracks.
func (c *Client) Close() error {
	c.mux.Lock()
	pcs := make([]*PeerConnection, 0, len(c.pcs))
	for _, pc := range c.pcs {
		pcs = append(pcs, pc)
	}
	c.pcs = make(map[string]*PeerConnection)
	c.mux.Unlock()

	var merr error
	for _, pc := range pcs {
		if err := pc.Close(); err != nil {
			merr = multierr.Append(merr, err)
		}
	}
	return merr
}
