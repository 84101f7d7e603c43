// Package metrics records per-run counters for the reconciler and pushes them
// to a Prometheus pushgateway.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "adblocker"

// Item outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Recorder owns the reconciler metrics on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	items          *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	stageFailures  *prometheus.CounterVec
	lastSuccess    prometheus.Gauge
	reportedErrors prometheus.Counter
}

// New creates a Recorder with all collectors registered.
func New() (*Recorder, error) {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Work items processed, by stage and outcome.",
		}, []string{"stage", "outcome"}),

		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each reconciliation stage.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),

		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Stages aborted because the remote API could not be reached.",
		}, []string{"stage"}),

		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run whose heartbeat was accepted.",
		}),

		reportedErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reported_errors_total",
			Help:      "Errors handed to the error reporter.",
		}),
	}

	for _, c := range []prometheus.Collector{r.items, r.stageDuration, r.stageFailures, r.lastSuccess, r.reportedErrors} {
		if err := r.registry.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, fmt.Errorf("failed to register metric: %w", err)
			}
		}
	}

	return r, nil
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveItem counts one processed work item.
func (r *Recorder) ObserveItem(stage, outcome string) {
	r.items.WithLabelValues(stage, outcome).Inc()
}

// ObserveStage records how long a stage took and whether it was aborted.
func (r *Recorder) ObserveStage(stage string, elapsed time.Duration, err error) {
	r.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	if err != nil {
		r.stageFailures.WithLabelValues(stage).Inc()
	}
}

// MarkSuccess sets the last success timestamp.
func (r *Recorder) MarkSuccess(t time.Time) {
	r.lastSuccess.Set(float64(t.Unix()))
}

// Inc counts one reported error.
func (r *Recorder) Inc() {
	r.reportedErrors.Inc()
}

// Push sends the registry to the pushgateway at url under job, replacing
// any metrics previously pushed with the same grouping.
func (r *Recorder) Push(ctx context.Context, url, job string, grouping map[string]string) error {
	pusher := push.New(url, job).
		Gatherer(r.registry).
		Client(cleanhttp.DefaultClient())
	for name, value := range grouping {
		if value != "" {
			pusher = pusher.Grouping(name, value)
		}
	}

	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
