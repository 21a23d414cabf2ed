package metrics

import (
	"log"
	"net/http"
	"sync"

	"codeheal/internal/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	issuesDetected  *prometheus.CounterVec
	filesScanned    prometheus.Counter
	crawlErrors     prometheus.Counter
	crawlsCompleted *prometheus.CounterVec
	reviewDecisions *prometheus.CounterVec
	batchPatterns   prometheus.Counter
	pipelineStages  *prometheus.CounterVec
	pipelines       *prometheus.CounterVec
	rollbacks       prometheus.Counter
	breakerState    *prometheus.GaugeVec
	knowledgeAdded  prometheus.Counter
	apiErrors       *prometheus.CounterVec

	stop func()
	wg   sync.WaitGroup
}

// New registers every collector plus the Go and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		issuesDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "codeheal_issues_detected_total",
			Help: "Issues emitted by crawlers by type and severity",
		}, []string{"type", "severity"}),
		filesScanned: f.NewCounter(prometheus.CounterOpts{
			Name: "codeheal_files_scanned_total",
			Help: "Files analyzed by completed crawls",
		}),
		crawlErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "codeheal_crawl_errors_total",
			Help: "Per-file read and detector failures",
		}),
		crawlsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "codeheal_crawls_completed_total",
			Help: "Finished crawls by whether they were cut short",
		}, []string{"partial"}),
		reviewDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "codeheal_review_decisions_total",
			Help: "Review state machine decisions by action and actor",
		}, []string{"action", "actor"}),
		batchPatterns: f.NewCounter(prometheus.CounterOpts{
			Name: "codeheal_batch_patterns_total",
			Help: "Knowledge patterns synthesized from batch approvals",
		}),
		pipelineStages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "codeheal_pipeline_stage_transitions_total",
			Help: "Pipeline stage transitions by stage and state",
		}, []string{"stage", "state"}),
		pipelines: f.NewCounterVec(prometheus.CounterOpts{
			Name: "codeheal_pipelines_total",
			Help: "Finished pipelines by outcome and failing stage",
		}, []string{"state", "failed_stage"}),
		rollbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "codeheal_fix_rollbacks_total",
			Help: "Fixes reverted after a regression",
		}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "codeheal_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open)",
		}, []string{"dependency"}),
		knowledgeAdded: f.NewCounter(prometheus.CounterOpts{
			Name: "codeheal_knowledge_entries_added_total",
			Help: "New knowledge entries stored",
		}),
		apiErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "codeheal_api_errors_total",
			Help: "Server-side API failures by error code",
		}, []string{"code"}),
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Subscribe consumes bus events until the bus closes or Close is called
func (m *Metrics) Subscribe(bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe("metrics")
	m.stop = unsubscribe
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for e := range ch {
			m.Observe(e)
		}
	}()
	log.Println("📡 Metrics subscribed to event bus")
}

// Close stops the subscriber
func (m *Metrics) Close() {
	if m.stop != nil {
		m.stop()
	}
	m.wg.Wait()
}

// Observe updates collectors from one event
func (m *Metrics) Observe(e events.Event) {
	switch e.Type {
	case events.IssueDetected:
		m.issuesDetected.WithLabelValues(str(e.Data["type"]), str(e.Data["severity"])).Inc()
	case events.CrawlCompleted:
		m.filesScanned.Add(num(e.Data["files_scanned"]))
		m.crawlErrors.Add(num(e.Data["errors"]))
		partial := "false"
		if b, ok := e.Data["partial"].(bool); ok && b {
			partial = "true"
		}
		m.crawlsCompleted.WithLabelValues(partial).Inc()
	case events.ReviewDecided:
		m.reviewDecisions.WithLabelValues(str(e.Data["action"]), str(e.Data["actor"])).Inc()
	case events.BatchPattern:
		m.batchPatterns.Inc()
	case events.PipelineStage:
		m.pipelineStages.WithLabelValues(str(e.Data["stage"]), str(e.Data["state"])).Inc()
	case events.PipelineCompleted:
		m.pipelines.WithLabelValues(str(e.Data["state"]), str(e.Data["failed_stage"])).Inc()
	case events.FixRolledBack:
		m.rollbacks.Inc()
	case events.BreakerChanged:
		m.breakerState.WithLabelValues(str(e.Data["name"])).Set(breakerCode(str(e.Data["to"])))
	case events.KnowledgeAdded:
		m.knowledgeAdded.Inc()
	case events.APIError:
		m.apiErrors.WithLabelValues(str(e.Data["code"])).Inc()
	}
}

func breakerCode(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}

func str(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func num(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
