package services

import (
	"github.com/dmitrijs2005/budgetsync/internal/server/conflict"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "budgetsync"
	subsystem = "sync"
)

// Metrics are the sync core's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	outcomes       *prometheus.CounterVec
	verdicts       *prometheus.CounterVec
	pulled         prometheus.Counter
	lastSequence   prometheus.Gauge
	horizon        prometheus.Gauge
	compacted      prometheus.Counter
	idempotencyGC  prometheus.Counter
	compactionRuns *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "push_outcomes_total",
				Help:      "Pushed changes by outcome status and reason",
			},
			[]string{"status", "reason"},
		),
		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "detector_verdicts_total",
				Help:      "Conflict detector verdicts",
			},
			[]string{"verdict", "reason"},
		),
		pulled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pulled_records_total",
			Help:      "Ledger records returned by pull",
		}),
		lastSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "last_sequence",
			Help:      "Highest ledger sequence appended by this process",
		}),
		horizon: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "horizon",
			Help:      "Highest compacted ledger sequence",
		}),
		compacted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "compacted_records_total",
			Help:      "Ledger records removed by compaction",
		}),
		idempotencyGC: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "idempotency_purged_total",
			Help:      "Expired idempotency records removed",
		}),
		compactionRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "compaction_runs_total",
				Help:      "Compaction runs by result",
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.verdicts, m.pulled, m.lastSequence,
			m.horizon, m.compacted, m.idempotencyGC, m.compactionRuns)
	}
	return m
}

func (m *Metrics) outcome(o models.Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(o.Status), o.Reason).Inc()
}

func (m *Metrics) verdict(d conflict.Decision) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(d.Verdict.String(), string(d.Reason)).Inc()
}

func (m *Metrics) appended(seq int64) {
	if m == nil {
		return
	}
	m.lastSequence.Set(float64(seq))
}

func (m *Metrics) pulledRecords(n int) {
	if m == nil {
		return
	}
	m.pulled.Add(float64(n))
}

func (m *Metrics) compaction(stats CompactionStats, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.compactionRuns.WithLabelValues("error").Inc()
		return
	}
	m.compactionRuns.WithLabelValues("ok").Inc()
	m.compacted.Add(float64(stats.Removed))
	m.idempotencyGC.Add(float64(stats.Purged))
	m.horizon.Set(float64(stats.Horizon))
}
