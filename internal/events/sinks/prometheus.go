package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jstrand/listcrawld/internal/events"
)

// PrometheusSink exports crawl orchestration metrics. It owns all collectors
// for session/batch/stage lifecycle and throughput telemetry.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionsRunning   prometheus.Gauge
	sessionRuntime    *prometheus.HistogramVec

	batchesCompleted *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	stageFailures    *prometheus.CounterVec

	pagesPerMinute prometheus.Gauge
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_sessions_started_total",
			Help: "Total crawl sessions that have started.",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_sessions_completed_total",
			Help: "Total crawl sessions finished partitioned by result.",
		}, []string{"result"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_sessions_running",
			Help: "Current number of running sessions.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawl_session_runtime_seconds",
			Help:    "Wall time per finished session.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_batches_completed_total",
			Help: "Batches finished partitioned by result.",
		}, []string{"result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawl_stage_duration_seconds",
			Help:    "Stage unit duration partitioned by stage type.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_stage_failures_total",
			Help: "Stage failures partitioned by stage type and recoverability.",
		}, []string{"stage", "recoverable"}),
		pagesPerMinute: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_pages_per_minute",
			Help: "Most recently reported crawl throughput.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.sessionsRunning,
		s.sessionRuntime,
		s.batchesCompleted,
		s.stageDuration,
		s.stageFailures,
		s.pagesPerMinute,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register crawl collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the provided batch. Safe for
// concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Type {
	case events.TypeSessionStarted:
		s.sessionsStarted.Inc()
		s.sessionsRunning.Inc()
	case events.TypeSessionCompleted:
		s.finishSession(evt, "success")
	case events.TypeSessionFailed:
		s.finishSession(evt, "error")
	case events.TypeSessionTimeout:
		s.finishSession(evt, "timeout")
	case events.TypeBatchCompleted:
		s.batchesCompleted.WithLabelValues("success").Inc()
	case events.TypeBatchFailed:
		s.batchesCompleted.WithLabelValues("error").Inc()
	case events.TypeStageCompleted:
		if evt.Dur > 0 {
			s.stageDuration.WithLabelValues(evt.Stage).Observe(evt.Dur.Seconds())
		}
	case events.TypeStageFailed:
		s.stageFailures.WithLabelValues(evt.Stage, fmt.Sprintf("%t", evt.Recoverable)).Inc()
	case events.TypePerformanceMetrics:
		if evt.Metrics != nil {
			s.pagesPerMinute.Set(evt.Metrics.PagesPerMinute)
		}
	}
}

func (s *PrometheusSink) finishSession(evt events.Event, result string) {
	s.sessionsCompleted.WithLabelValues(result).Inc()
	s.sessionsRunning.Dec()
	if evt.Dur > 0 {
		s.sessionRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; collectors stay registered.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
