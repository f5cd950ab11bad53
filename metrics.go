package chatcore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments of the chat core. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// MessagesTotal counts messages by outcome: "sent", "confirmed",
	// "received", "duplicate", "echo", "evicted", "foreign_room".
	MessagesTotal *prometheus.CounterVec

	// ResolutionsTotal counts conversation resolutions by result:
	// "found", "created", "error".
	ResolutionsTotal *prometheus.CounterVec

	// ReconnectsTotal counts reconnect attempts of the realtime channel.
	ReconnectsTotal prometheus.Counter

	// ChannelState is 1 for the current state label and 0 for the others.
	ChannelState *prometheus.GaugeVec

	// HistoryLoadSeconds records history fetch latency.
	HistoryLoadSeconds prometheus.Histogram
}

// NewMetrics creates the instruments and registers them on reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_messages_total",
			Help: "Messages handled by the message store, by outcome",
		}, []string{"outcome"}),
		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_resolutions_total",
			Help: "Conversation resolutions, by result",
		}, []string{"result"}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_reconnects_total",
			Help: "Realtime channel reconnect attempts",
		}),
		ChannelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatcore_channel_state",
			Help: "Current realtime channel state (1 = active)",
		}, []string{"state"}),
		HistoryLoadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatcore_history_load_seconds",
			Help:    "Message history load latency in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesTotal,
			m.ResolutionsTotal,
			m.ReconnectsTotal,
			m.ChannelState,
			m.HistoryLoadSeconds,
		)
	}
	return m
}

func (m *Metrics) message(outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) messages(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) resolution(result string) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

func (m *Metrics) channelState(s ChannelState) {
	if m == nil {
		return
	}
	for _, st := range []ChannelState{StateDisconnected, StateConnecting, StateConnected, StateError} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.ChannelState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) historyLoad(start time.Time) {
	if m == nil {
		return
	}
	m.HistoryLoadSeconds.Observe(time.Since(start).Seconds())
}
