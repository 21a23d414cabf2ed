package guardian

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"codeheal/internal/breaker"
	"codeheal/internal/calibration"
	"codeheal/internal/capability"
	"codeheal/internal/config"
	"codeheal/internal/crawler"
	"codeheal/internal/database"
	"codeheal/internal/embedding"
	apperrors "codeheal/internal/errors"
	"codeheal/internal/events"
	"codeheal/internal/issues"
	"codeheal/internal/knowledge"
	"codeheal/internal/metrics"
	"codeheal/internal/monitor"
	"codeheal/internal/pipeline"
	"codeheal/internal/remediation"
	"codeheal/internal/review"
	"codeheal/internal/risk"
	"codeheal/internal/scan"
	"codeheal/internal/websocket"
	"codeheal/types"
)

// Dependency names guarded by circuit breakers
const (
	BreakerFixGenerator  = "fix_generator"
	BreakerKnowledge     = "knowledge_store"
	BreakerIssueStore    = "issue_store"
	dashboardHistorySize = 100
)

// Guardian owns every long-lived component and their lifecycle.
type Guardian struct {
	Config       *config.Config
	Bus          *events.Bus
	Breakers     *breaker.Registry
	Capabilities *capability.Registry

	Issues     issues.Store
	Knowledge  *knowledge.Store
	Calibrator *calibration.Calibrator
	Review     *review.Machine
	Scans      *scan.Manager
	Predictor  *risk.HeuristicPredictor
	Applier    *remediation.FileApplier
	Pipelines  *pipeline.Orchestrator
	Metrics    *metrics.Metrics
	Dashboard  *websocket.WebSocketManager

	// FixMethods lists the calibration buckets fixes can come from
	FixMethods []string

	db      *sql.DB
	closers []io.Closer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New builds a Guardian from cfg. Optional collaborators that cannot be
// resolved are recorded as unavailable and the rest of the system runs
// without them.
func New(ctx context.Context, cfg *config.Config) (*Guardian, error) {
	log.Println("🚀 Initializing codeheal...")

	root, err := filepath.Abs(cfg.ProjectPath)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}

	gctx, cancel := context.WithCancel(context.Background())
	g := &Guardian{
		Config:       cfg,
		Bus:          events.NewBus(cfg.Events.BufferSize),
		Capabilities: capability.NewRegistry(),
		ctx:          gctx,
		cancel:       cancel,
	}

	g.Breakers = breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window,
		Cooldown:         cfg.Breaker.Cooldown,
	})
	g.Breakers.OnChange(func(name string, from, to breaker.State) {
		g.Bus.Publish(events.Event{
			Type:   events.BreakerChanged,
			Source: "breaker",
			Data:   map[string]interface{}{"name": name, "from": from.String(), "to": to.String()},
		})
	})

	g.Metrics = metrics.New()
	g.Metrics.Subscribe(g.Bus)
	g.Dashboard = websocket.NewWebSocketManager(dashboardHistorySize)
	g.Dashboard.Forward(g.Bus)

	if err := g.openStores(ctx); err != nil {
		g.shutdown()
		return nil, err
	}

	g.Review = review.NewMachine(g.Issues, g.Bus, review.Settings{
		Policy:              review.SafeConfidentPolicy{Threshold: cfg.Review.AutoApproveThreshold},
		BatchPatternMinimum: cfg.Review.BatchPatternMinimum,
	})
	g.Predictor = risk.NewHeuristicPredictor(g.Issues)

	g.Scans = scan.NewManager(g.newCrawler, cfg.Crawler.Concurrency, g.Bus)

	g.resolveKafka()
	generator := g.resolveGenerator(ctx)
	watcher := g.resolveMonitor(ctx, root)

	g.Applier = remediation.NewFileApplier(root, filepath.Join(cfg.Storage.DataDir, "backups"), remediation.NewFileLocker())

	deps := pipeline.Deps{
		Issues:     g.Issues,
		Review:     g.Review,
		Knowledge:  g.Knowledge,
		Calibrator: g.Calibrator,
		Predictor:  g.Predictor,
		Applier:    g.Applier,
		Breaker:    g.Breakers.Get(BreakerFixGenerator),
		Bus:        g.Bus,
	}
	g.FixMethods = []string{"knowledge"}
	if gen, ok := generator.Get(); ok {
		deps.Generator = gen
		g.FixMethods = append(g.FixMethods, gen.Name())
	}
	if w, ok := watcher.Get(); ok {
		deps.Monitor = w
	}
	g.Pipelines = pipeline.New(deps, pipeline.Settings{
		MaxConcurrent:  cfg.Pipeline.MaxConcurrent,
		StageTimeout:   cfg.Pipeline.StageTimeout,
		MonitorTimeout: cfg.Pipeline.MonitorWindow + cfg.Pipeline.StageTimeout,
		MinConfidence:  cfg.Pipeline.MinConfidence,
	})

	reinforcer := knowledge.NewReinforcer(g.Knowledge)
	patterns, _ := g.Bus.Subscribe("reinforcer", events.BatchPattern)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		reinforcer.Run(g.ctx, patterns)
	}()

	outcomes, _ := g.Bus.Subscribe("autofix", events.ReviewDecided, events.PipelineCompleted)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.autofix(outcomes)
	}()

	log.Printf("✅ codeheal initialized for %s", root)
	return g, nil
}

// openStores opens the issue store, calibration history and knowledge
// backend for the configured storage mode.
func (g *Guardian) openStores(ctx context.Context) error {
	cfg := g.Config
	var history calibration.History

	switch cfg.Storage.Backend {
	case "memory":
		g.Issues = issues.NewGuarded(issues.NewMemoryStore(), g.Breakers.Get(BreakerIssueStore))
		history = calibration.NewMemoryHistory()
	case "persistent", "":
		db, err := database.Open(ctx, cfg.Storage.IssueDBPath)
		if err != nil {
			return fmt.Errorf("open issue database: %w", err)
		}
		g.db = db
		g.Issues = issues.NewGuarded(issues.NewSQLiteStore(db), g.Breakers.Get(BreakerIssueStore))
		history = calibration.NewSQLiteHistory(db)
		log.Printf("🔌 Issue store: sqlite at %s", cfg.Storage.IssueDBPath)
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	g.Calibrator = calibration.New(history, cfg.Calibration.FullTrustSamples)

	embedder := embedding.New(embedding.Config{
		APIKey:   cfg.AIProviders.Embedding.APIKey,
		Endpoint: cfg.AIProviders.Embedding.Endpoint,
	})
	backend := g.resolveKnowledgeBackend(embedder)
	var kb knowledge.Backend = knowledge.NewMemoryBackend()
	if b, ok := backend.Get(); ok {
		kb = b
	}
	g.closers = append(g.closers, kb)
	g.Knowledge = knowledge.NewStore(kb, embedder, g.Breakers.Get(BreakerKnowledge), g.Bus, knowledge.DefaultSettings())
	return nil
}

func (g *Guardian) resolveKnowledgeBackend(embedder embedding.Embedder) capability.Option[knowledge.Backend] {
	if g.Config.Storage.Backend == "memory" {
		g.Capabilities.Unavailable(capability.KnowledgeBackend, "memory storage selected")
		return capability.None[knowledge.Backend]("memory storage selected")
	}
	b, err := knowledge.OpenChromem(g.Config.Storage.KnowledgePath, embedder, embedding.Dimension)
	if err != nil {
		g.Capabilities.Unavailable(capability.KnowledgeBackend, err.Error())
	} else {
		g.Capabilities.Provide(capability.KnowledgeBackend, knowledge.Backend(b))
	}
	return capability.Lookup[knowledge.Backend](g.Capabilities, capability.KnowledgeBackend)
}

func (g *Guardian) resolveKafka() {
	ev := g.Config.Events
	if !ev.EnableKafka {
		g.Capabilities.Unavailable(capability.KafkaSink, "disabled")
		return
	}
	g.Capabilities.Provide(capability.KafkaSink, events.NewKafkaSink(events.KafkaConfig{
		Brokers: ev.KafkaBrokers,
		Topic:   ev.KafkaTopic,
	}))

	sink, ok := capability.Lookup[*events.KafkaSink](g.Capabilities, capability.KafkaSink).Get()
	if !ok {
		return
	}
	g.closers = append(g.closers, sink)
	ch, _ := g.Bus.Subscribe("kafka")
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		sink.Run(g.ctx, ch)
	}()
}

func (g *Guardian) resolveGenerator(ctx context.Context) capability.Option[remediation.Generator] {
	completer, model, err := remediation.NewCompleter(ctx, g.Config.AIProviders)
	if err != nil {
		g.Capabilities.Unavailable(capability.FixGenerator, err.Error())
	} else {
		if c, ok := completer.(io.Closer); ok {
			g.closers = append(g.closers, c)
		}
		g.Capabilities.Provide(capability.FixGenerator, remediation.Generator(remediation.NewLLMGenerator(completer, model)))
	}
	return capability.Lookup[remediation.Generator](g.Capabilities, capability.FixGenerator)
}

// resolveMonitor composes the available signal sources. With none the
// pipeline resolves fixes without an observation window.
func (g *Guardian) resolveMonitor(ctx context.Context, root string) capability.Option[*monitor.Monitor] {
	cfg := g.Config.Pipeline
	var sources monitor.Composite

	system := monitor.SystemSource{DiskPath: root}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := system.Collect(probeCtx)
	cancel()
	if err != nil {
		g.Capabilities.Unavailable(capability.SystemSignals, err.Error())
	} else {
		g.Capabilities.Provide(capability.SystemSignals, monitor.Source(system))
	}
	if src, ok := capability.Lookup[monitor.Source](g.Capabilities, capability.SystemSignals).Get(); ok {
		sources = append(sources, src)
	}

	if args := strings.Fields(cfg.TestCommand); len(args) > 0 {
		sources = append(sources, monitor.CommandSource{Dir: root, Command: args, Timeout: cfg.StageTimeout})
	}
	if len(sources) == 0 {
		return capability.None[*monitor.Monitor]("no signal sources")
	}

	m := monitor.New(sources, monitor.DefaultRules(cfg.ErrorRateThreshold), monitor.Settings{
		Window:       cfg.MonitorWindow,
		PollInterval: cfg.PollInterval,
	})
	return capability.Some(m)
}

// autofix starts a pipeline for every approved issue when auto_start is
// on, and credits resolved pipelines to the crawl that found the issue.
func (g *Guardian) autofix(ch <-chan events.Event) {
	for {
		select {
		case <-g.ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Type {
			case events.ReviewDecided:
				if g.Config.Pipeline.AutoStart {
					g.startApproved(e)
				}
			case events.PipelineCompleted:
				res, ok := e.Payload.(pipeline.Result)
				if !ok || res.State != pipeline.StateResolved || res.Fix == nil {
					continue
				}
				g.Scans.RecordFixed(res.IssueID, res.Fix.Patch.FilePath)
			}
		}
	}
}

func (g *Guardian) startApproved(e events.Event) {
	if e.Data["to"] != string(types.StatusApproved) {
		return
	}
	issueID, _ := e.Data["issue_id"].(string)
	if issueID == "" {
		return
	}
	if _, err := g.Pipelines.Start(g.ctx, issueID); err != nil {
		if apperrors.FromError(err).Type == apperrors.ErrorTypeConflict || errors.Is(err, apperrors.ErrInvalidTransition) {
			return
		}
		log.Printf("⚠️  Auto-start for issue %s failed: %v", issueID, err)
	}
}

func (g *Guardian) newCrawler() scan.Runner {
	return crawler.New(crawler.Deps{
		Issues:        g.Issues,
		Knowledge:     g.Knowledge,
		Review:        g.Review,
		Calibrator:    g.Calibrator,
		Bus:           g.Bus,
		HintThreshold: g.Config.Crawler.KnowledgeHintThreshold,
	})
}

// CrawlOptions returns the configured per-crawl options
func (g *Guardian) CrawlOptions(autoFix bool, extensions []string) crawler.Options {
	if len(extensions) == 0 {
		extensions = g.Config.Crawler.Extensions
	}
	return crawler.Options{
		AutoFix:     autoFix,
		Extensions:  extensions,
		Workers:     g.Config.Crawler.Workers,
		MaxFileSize: g.Config.Crawler.MaxFileSize,
	}
}

// RunCycle queues a crawl of the project root
func (g *Guardian) RunCycle(ctx context.Context) (scan.CrawlJob, error) {
	if err := ctx.Err(); err != nil {
		return scan.CrawlJob{}, err
	}
	job, existing, err := g.Scans.Submit(g.Config.ProjectPath, g.CrawlOptions(false, nil))
	if err != nil {
		return job, err
	}
	if existing {
		log.Printf("🔍 Crawl of %s already in progress", job.Target)
	}
	return job, nil
}

// Run crawls the project every ScanInterval until ctx ends. With no
// interval it only prunes old crawl records.
func (g *Guardian) Run(ctx context.Context) error {
	interval := g.Config.Crawler.ScanInterval
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	var scanTick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		scanTick = ticker.C
		if _, err := g.RunCycle(ctx); err != nil {
			log.Printf("⚠️  Initial crawl failed: %v", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-scanTick:
			if _, err := g.RunCycle(ctx); err != nil {
				log.Printf("⚠️  Scheduled crawl failed: %v", err)
			}
		case <-cleanup.C:
			if n := g.Scans.CleanupOldJobs(24 * time.Hour); n > 0 {
				log.Printf("🧹 Pruned %d finished crawl records", n)
			}
		}
	}
}

// GetStatus summarizes the running system
func (g *Guardian) GetStatus() map[string]interface{} {
	return map[string]interface{}{
		"project":      g.Config.ProjectPath,
		"crawls":       g.Scans.Status(),
		"pipelines":    len(g.Pipelines.ListPipelines()),
		"knowledge":    g.Knowledge.Count(),
		"capabilities": g.Capabilities.Statuses(),
		"breakers":     g.Breakers.Snapshots(),
		"dashboard":    g.Dashboard.GetConnectionCount(),
		"events_lost":  g.Bus.Dropped(),
	}
}

// Close stops crawls and pipelines, then releases stores. It is safe to call twice.
func (g *Guardian) Close(ctx context.Context) error {
	g.closeOnce.Do(func() {
		log.Println("🛑 Shutting down codeheal...")
		if g.Scans != nil {
			if err := g.Scans.Shutdown(ctx); err != nil {
				log.Printf("⚠️  Crawl manager shutdown: %v", err)
			}
		}
		if g.Pipelines != nil {
			if err := g.Pipelines.Shutdown(ctx); err != nil {
				log.Printf("⚠️  Pipeline shutdown: %v", err)
			}
		}
		g.closeErr = g.shutdown()
	})
	return g.closeErr
}

func (g *Guardian) shutdown() error {
	g.cancel()
	g.Metrics.Close()
	g.Dashboard.Close()
	g.Bus.Close()
	g.wg.Wait()

	var firstErr error
	for _, c := range g.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.db != nil {
		if err := g.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EnsureDataDir creates the data directory
func EnsureDataDir(cfg *config.Config) error {
	if cfg.Storage.Backend == "memory" {
		return nil
	}
	return os.MkdirAll(cfg.Storage.DataDir, 0755)
}
