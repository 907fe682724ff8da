// Package metrics exports build activity to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kozeki/internal/kozeki"
)

const namespace = "kozeki"

// PrometheusObserver implements kozeki.Observer with Prometheus collectors.
type PrometheusObserver struct {
	registry *prometheus.Registry

	builds        *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	artifacts     *prometheus.CounterVec
	idChanges     prometheus.Counter
	lastSuccess   prometheus.Gauge
}

// NewPrometheusObserver registers the build collectors on a fresh registry.
func NewPrometheusObserver() (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		registry: prometheus.NewRegistry(),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Builds performed, by kind and result.",
		}, []string{"kind", "result"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_phase_duration_seconds",
			Help:      "Duration of completed build phases.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_total",
			Help:      "Destination files written or deleted.",
		}, []string{"operation"}),
		idChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_id_changes_total",
			Help:      "Sources whose item id changed.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_build_timestamp_seconds",
			Help:      "Unix time of the last successful build.",
		}),
	}

	collectors := []prometheus.Collector{o.builds, o.phaseDuration, o.artifacts, o.idChanges, o.lastSuccess}
	for _, c := range collectors {
		if err := o.registry.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}
	return o, nil
}

func (o *PrometheusObserver) PhaseCompleted(phase string, elapsed time.Duration) {
	o.phaseDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
}

func (o *PrometheusObserver) ArtifactWritten(kozeki.Path) {
	o.artifacts.WithLabelValues("write").Inc()
}

func (o *PrometheusObserver) ArtifactDeleted(kozeki.Path) {
	o.artifacts.WithLabelValues("delete").Inc()
}

func (o *PrometheusObserver) IDChanged(kozeki.Path, string, string) {
	o.idChanges.Inc()
}

func (o *PrometheusObserver) BuildFinished(full bool, err error) {
	kind := "incremental"
	if full {
		kind = "full"
	}
	o.builds.WithLabelValues(kind, result(err)).Inc()
	if err == nil {
		o.lastSuccess.SetToCurrentTime()
	}
}

func result(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, kozeki.ErrDuplicatedItemID):
		return "duplicated_id"
	default:
		return "error"
	}
}

// Handler serves the observer's registry in the Prometheus exposition format.
func (o *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

var _ kozeki.Observer = (*PrometheusObserver)(nil)
