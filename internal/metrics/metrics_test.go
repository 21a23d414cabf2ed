package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"codeheal/internal/events"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	return 0
}

func TestObserve_UpdatesCollectors(t *testing.T) {
	m := New()
	m.Observe(events.Event{Type: events.IssueDetected, Data: map[string]interface{}{"type": "magic_number", "severity": "low"}})
	m.Observe(events.Event{Type: events.IssueDetected, Data: map[string]interface{}{"type": "magic_number", "severity": "low"}})
	m.Observe(events.Event{Type: events.CrawlCompleted, Data: map[string]interface{}{"files_scanned": int64(100), "errors": int64(1), "partial": false}})
	m.Observe(events.Event{Type: events.ReviewDecided, Data: map[string]interface{}{"action": "approve", "actor": "policy"}})
	m.Observe(events.Event{Type: events.PipelineCompleted, Data: map[string]interface{}{"state": "rolled_back"}})
	m.Observe(events.Event{Type: events.FixRolledBack})
	m.Observe(events.Event{Type: events.BreakerChanged, Data: map[string]interface{}{"name": "fix_generator", "to": "OPEN"}})
	m.Observe(events.Event{Type: events.APIError, Data: map[string]interface{}{"code": "INTERNAL_ERROR"}})

	assert.Equal(t, 2.0, value(t, m.issuesDetected.WithLabelValues("magic_number", "low")))
	assert.Equal(t, 100.0, value(t, m.filesScanned))
	assert.Equal(t, 1.0, value(t, m.crawlErrors))
	assert.Equal(t, 1.0, value(t, m.crawlsCompleted.WithLabelValues("false")))
	assert.Equal(t, 1.0, value(t, m.reviewDecisions.WithLabelValues("approve", "policy")))
	assert.Equal(t, 1.0, value(t, m.pipelines.WithLabelValues("rolled_back", "")))
	assert.Equal(t, 1.0, value(t, m.rollbacks))
	assert.Equal(t, 1.0, value(t, m.breakerState.WithLabelValues("fix_generator")))
	assert.Equal(t, 1.0, value(t, m.apiErrors.WithLabelValues("INTERNAL_ERROR")))

	m.Observe(events.Event{Type: events.BreakerChanged, Data: map[string]interface{}{"name": "fix_generator", "to": "CLOSED"}})
	assert.Equal(t, 0.0, value(t, m.breakerState.WithLabelValues("fix_generator")))
}

func TestSubscribe_FeedsFromBusAndServes(t *testing.T) {
	bus := events.NewBus(10)
	m := New()
	m.Subscribe(bus)

	bus.Publish(events.Event{Type: events.FixRolledBack})
	assert.Eventually(t, func() bool { return value(t, m.rollbacks) == 1 }, time.Second, 5*time.Millisecond)

	m.Close()
	bus.Close()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "codeheal_fix_rollbacks_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
