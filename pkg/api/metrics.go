package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ghx_inspection_jobs_created_total",
		Help: "Bare-metal inspection jobs submitted.",
	})
	metricArtifactsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ghx_artifacts_ingested_total",
		Help: "Shared-volume artifacts ingested into the store.",
	})
	metricEventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ghx_event_subscribers",
		Help: "Currently subscribed event streams.",
	})
)
