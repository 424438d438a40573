package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcall_relay_connections",
		Help: "Websocket clients currently attached to the relay.",
	})

	frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_relay_frames_total",
		Help: "Frames handled by the relay by direction and outcome.",
	}, []string{"direction", "outcome"})
)
