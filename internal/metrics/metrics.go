package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/liamcoop/minerisk/rules"
)

// Metrics holds the Prometheus collectors for snapshot runs.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SnapshotsTotal    *prometheus.CounterVec
	SnapshotDuration  prometheus.Histogram
	LevelsTotal       *prometheus.CounterVec
	LevelFailures     prometheus.Counter
	LevelScore        *prometheus.GaugeVec
	RuleTriggersTotal *prometheus.CounterVec
	PublishErrors     prometheus.Counter
}

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SnapshotsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minerisk_snapshots_total",
			Help: "Total number of snapshots taken, by completeness",
		}, []string{"status"}),
		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "minerisk_snapshot_duration_seconds",
			Help:    "Time to compute and persist one snapshot",
			Buckets: prometheus.DefBuckets,
		}),
		LevelsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minerisk_level_calculations_total",
			Help: "Total number of level risk calculations, by band",
		}, []string{"band"}),
		LevelFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "minerisk_level_failures_total",
			Help: "Total number of levels that could not be computed or persisted",
		}),
		LevelScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "minerisk_level_score",
			Help: "Most recent risk score per level",
		}, []string{"level"}),
		RuleTriggersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minerisk_rule_triggers_total",
			Help: "Total number of times each rule triggered",
		}, []string{"rule_code", "impact_type"}),
		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "minerisk_publish_errors_total",
			Help: "Total number of level snapshot publish errors",
		}),
	}
}

// ObserveSnapshot records one finished snapshot run
func (m *Metrics) ObserveSnapshot(elapsed time.Duration, complete bool) {
	if m == nil {
		return
	}
	status := "complete"
	if !complete {
		status = "partial"
	}
	m.SnapshotsTotal.WithLabelValues(status).Inc()
	m.SnapshotDuration.Observe(elapsed.Seconds())
}

// ObserveLevel records one level calculation
func (m *Metrics) ObserveLevel(level int, calc *rules.RiskCalculation) {
	if m == nil {
		return
	}
	m.LevelsTotal.WithLabelValues(string(calc.Band)).Inc()
	m.LevelScore.WithLabelValues(strconv.Itoa(level)).Set(float64(calc.Score))
	for _, tr := range calc.TriggeredRules {
		m.RuleTriggersTotal.WithLabelValues(tr.RuleCode, string(tr.ImpactType)).Inc()
	}
}

// IncrementLevelFailures counts a failed level
func (m *Metrics) IncrementLevelFailures() {
	if m == nil {
		return
	}
	m.LevelFailures.Inc()
}

// IncrementPublishErrors counts a failed publish
func (m *Metrics) IncrementPublishErrors() {
	if m == nil {
		return
	}
	m.PublishErrors.Inc()
}
