// Package metrics exposes engine outcomes as Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/pncase-engine/caseflow"
)

const namespace = "pncase"

// Collector implements caseflow.Observer.
type Collector struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	ledger      *prometheus.CounterVec
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed case status transitions.",
		}, []string{"from", "to"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_rejections_total",
			Help:      "Rejected case operations by error kind.",
		}, []string{"kind"}),
		ledger: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_events_total",
			Help:      "Course usage events appended.",
		}, []string{"action"}),
	}
	for _, col := range []prometheus.Collector{c.transitions, c.rejections, c.ledger} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) TransitionApplied(from, to caseflow.Status) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (c *Collector) TransitionRejected(kind caseflow.ErrorKind) {
	c.rejections.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) LedgerMoved(action caseflow.UsageAction) {
	c.ledger.WithLabelValues(string(action)).Inc()
}
