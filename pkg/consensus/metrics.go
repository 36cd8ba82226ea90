package consensus

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the consensus counter bundle. All counters are monotonic and
// incremented by one per event.
type Metrics struct {
	OutgoingDirectMessages prometheus.Counter
	FailedToSendMessages   prometheus.Counter
	DecidedViews           prometheus.Counter
	AbortedViews           prometheus.Counter
}

// NewMetrics builds the counter bundle and registers it with registerer
// (pass nil to skip registration, e.g. in tests).
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		OutgoingDirectMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_outgoing_direct_messages",
			Help: "Number of direct messages sent",
		}),
		FailedToSendMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_failed_to_send_messages",
			Help: "Number of direct messages that failed to send",
		}),
		DecidedViews: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_decided_views",
			Help: "Number of views decided with a leaf",
		}),
		AbortedViews: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_aborted_views",
			Help: "Number of views aborted without a decision",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.OutgoingDirectMessages,
			m.FailedToSendMessages,
			m.DecidedViews,
			m.AbortedViews,
		)
	}
	return m
}
