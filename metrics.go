package agentcall

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_calls_total",
		Help: "Call sessions started, by role",
	}, []string{"role"})

	callsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcall_calls_active",
		Help: "Call sessions currently in the active state",
	})

	callsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_calls_ended_total",
		Help: "Call sessions ended, by reason",
	}, []string{"reason"})

	glareTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_glare_total",
		Help: "Simultaneous offers seen, by local outcome",
	}, []string{"outcome"})

	envelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_envelopes_dropped_total",
		Help: "Inbound envelopes discarded by the signaling state machine, by reason",
	}, []string{"reason"})

	candidatesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_ice_candidates_total",
		Help: "Remote ICE candidates handled, by path",
	}, []string{"path"})

	candidatesStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcall_ice_candidates_stale_total",
		Help: "Local ICE candidates dropped because their offer was rolled back or their connection replaced",
	})
)
