// Package metrics records reconciliation results as Prometheus metrics and
// writes them in the node_exporter textfile format.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xMarcinator/VMWareReboot/internal/models"
)

const namespace = "vmpower"

// Recorder holds the metrics of one process. It has its own registry so
// the textfile only contains vmpower series.
type Recorder struct {
	registry *prometheus.Registry

	actionsTotal     *prometheus.CounterVec
	skippedTotal     prometheus.Counter
	blockedTotal     prometheus.Counter
	passesTotal      *prometheus.CounterVec
	passDuration     prometheus.Histogram
	lastRunTimestamp prometheus.Gauge
	lastRunSuccess   prometheus.Gauge
	sessionRenewals  prometheus.Gauge
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Power actions issued, by action and result",
			},
			[]string{"action", "result"},
		),
		skippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_total",
			Help:      "VMs left untouched by a pass",
		}),
		blockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_total",
			Help:      "Planned actions not dispatched under the fail-fast policy",
		}),
		passesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_total",
				Help:      "Reconciliation passes, by mode",
			},
			[]string{"mode"},
		),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Wall time of a reconciliation pass",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to ~4min
		}),
		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last pass finished",
		}),
		lastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "Whether the last pass had no failed or blocked VMs (1) or not (0)",
		}),
		sessionRenewals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_renewals",
			Help:      "Session re-authentications performed by this process",
		}),
	}
	r.registry.MustRegister(
		r.actionsTotal,
		r.skippedTotal,
		r.blockedTotal,
		r.passesTotal,
		r.passDuration,
		r.lastRunTimestamp,
		r.lastRunSuccess,
		r.sessionRenewals,
	)
	return r
}

// ObserveReport records one pass. Dry runs only count the pass.
func (r *Recorder) ObserveReport(report *models.Report) {
	r.passesTotal.WithLabelValues(report.Mode.String()).Inc()
	if report.DryRun {
		return
	}
	for _, o := range report.Outcomes {
		result := "success"
		if !o.Success {
			result = string(o.Error)
			if result == "" {
				result = "failed"
			}
		}
		r.actionsTotal.WithLabelValues(o.Action.String(), result).Inc()
	}
	r.skippedTotal.Add(float64(len(report.Skipped)))
	r.blockedTotal.Add(float64(len(report.Blocked)))
	r.passDuration.Observe(report.Duration().Seconds())
	if !report.FinishedAt.IsZero() {
		r.lastRunTimestamp.Set(float64(report.FinishedAt.Unix()))
	}
	if report.HasFailures() {
		r.lastRunSuccess.Set(0)
	} else {
		r.lastRunSuccess.Set(1)
	}
}

// SetSessionRenewals records the session client's renewal count.
func (r *Recorder) SetSessionRenewals(n int64) {
	r.sessionRenewals.Set(float64(n))
}

// WriteTextfile atomically writes all metrics to path.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
