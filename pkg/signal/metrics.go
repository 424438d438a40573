package signal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_signal_sent_total",
		Help: "Signal envelopes persisted, by kind",
	}, []string{"kind"})

	received = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_signal_received_total",
		Help: "Signal envelopes delivered to subscribers, by kind",
	}, []string{"kind"})

	dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_signal_dropped_total",
		Help: "Stored payloads rejected before delivery, by reason",
	}, []string{"reason"})
)

// CountSent records a persisted envelope. Backends call it after a
// successful write.
func CountSent(kind Kind) {
	sent.WithLabelValues(kind.String()).Inc()
}
