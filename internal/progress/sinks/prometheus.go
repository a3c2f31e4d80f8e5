package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/progress"
)

// PrometheusSink exports harvest progress as Prometheus collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsRunning   prometheus.Gauge
	discoveries   *prometheus.CounterVec
	discovered    *prometheus.CounterVec
	downloads     *prometheus.CounterVec
	retries       *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	inFlight      prometheus.Gauge
	fileDurations *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Total harvest runs started.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_running",
			Help: "Harvest runs currently in progress.",
		}),
		discoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_discovery_pairs_total",
			Help: "Discovery calls per source partitioned by result (ok, cached, failed).",
		}, []string{"source", "result"}),
		discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_discovered_files_total",
			Help: "Candidate files returned by discovery per source.",
		}, []string{"source"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_downloads_total",
			Help: "Download outcomes per source and state.",
		}, []string{"source", "state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_download_retries_total",
			Help: "Download retries per source and failure kind.",
		}, []string{"source", "kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_download_bytes_total",
			Help: "Bytes streamed to disk per source.",
		}, []string{"source"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_downloads_in_flight",
			Help: "Downloads currently streaming.",
		}),
		fileDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_download_duration_seconds",
			Help:    "Wall time per finished download including retries.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 180, 600},
		}, []string{"source", "state"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted, s.runsRunning, s.discoveries, s.discovered, s.downloads,
		s.retries, s.bytes, s.inFlight, s.fileDurations,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	source := evt.Source
	if source == "" {
		source = "unknown"
	}
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		s.runsRunning.Inc()
	case progress.StageRunDone:
		s.runsRunning.Dec()
	case progress.StageDiscoverDone:
		result := "ok"
		if evt.Cached {
			result = "cached"
		}
		s.discoveries.WithLabelValues(source, result).Inc()
		s.discovered.WithLabelValues(source).Add(float64(evt.Files))
	case progress.StageDiscoverFailed:
		s.discoveries.WithLabelValues(source, "failed").Inc()
	case progress.StageDownloadStart:
		s.inFlight.Inc()
	case progress.StageDownloadBytes:
		if evt.Bytes > 0 {
			s.bytes.WithLabelValues(source).Add(float64(evt.Bytes))
		}
	case progress.StageDownloadRetry:
		s.retries.WithLabelValues(source, evt.Kind).Inc()
	case progress.StageDownloadDone:
		s.finish(source, "succeeded", evt)
	case progress.StageDownloadFailed:
		s.finish(source, "failed", evt)
	case progress.StageDownloadSkipped:
		s.downloads.WithLabelValues(source, "skipped").Inc()
	}
}

func (s *PrometheusSink) finish(source, state string, evt progress.Event) {
	s.inFlight.Dec()
	s.downloads.WithLabelValues(source, state).Inc()
	if evt.Dur > 0 {
		s.fileDurations.WithLabelValues(source, state).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
