package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/jstrand/listcrawld/internal/events"
)

func newTestSink(t *testing.T) *PrometheusSink {
	t.Helper()
	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)
	return sink
}

func evt(typ events.Type) events.Event {
	return events.New(typ, "s1", time.Now())
}

func TestPrometheusSinkSessionLifecycle(t *testing.T) {
	t.Parallel()

	sink := newTestSink(t)
	started := evt(events.TypeSessionStarted)
	completed := evt(events.TypeSessionCompleted)
	completed.Dur = 42 * time.Second

	require.NoError(t, sink.Consume(context.Background(), []events.Event{started, completed}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.sessionsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsCompleted.WithLabelValues("success")))
}

func TestPrometheusSinkFailureAndTimeoutResults(t *testing.T) {
	t.Parallel()

	sink := newTestSink(t)
	failed := evt(events.TypeSessionFailed)
	failed.Message = "planning failed"
	timeout := evt(events.TypeSessionTimeout)

	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		evt(events.TypeSessionStarted), failed,
		evt(events.TypeSessionStarted), timeout,
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsCompleted.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsCompleted.WithLabelValues("timeout")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.sessionsRunning))
}

func TestPrometheusSinkStageAndBatchCounters(t *testing.T) {
	t.Parallel()

	sink := newTestSink(t)
	stageDone := evt(events.TypeStageCompleted)
	stageDone.Stage = "ListPageCrawling"
	stageDone.Dur = 120 * time.Millisecond
	stageFail := evt(events.TypeStageFailed)
	stageFail.Stage = "ProductDetailCrawling"
	stageFail.Message = "parse error"
	stageFail.Recoverable = false

	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		evt(events.TypeBatchCompleted),
		stageDone,
		stageFail,
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.batchesCompleted.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.stageFailures.WithLabelValues("ProductDetailCrawling", "false")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.stageDuration))
}

func TestPrometheusSinkThroughputGauge(t *testing.T) {
	t.Parallel()

	sink := newTestSink(t)
	perf := evt(events.TypePerformanceMetrics)
	perf.Metrics = &events.Metrics{PagesPerMinute: 7.5}

	require.NoError(t, sink.Consume(context.Background(), []events.Event{perf}))
	require.Equal(t, 7.5, testutil.ToFloat64(sink.pagesPerMinute))
}
