package crawler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"codeheal/internal/calibration"
	apperrors "codeheal/internal/errors"
	"codeheal/internal/events"
	"codeheal/internal/issues"
	"codeheal/internal/knowledge"
	"codeheal/types"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// KnowledgeLookup is the part of the knowledge store the crawler reads
type KnowledgeLookup interface {
	Search(ctx context.Context, query string, filters knowledge.Filters) ([]knowledge.Result, error)
}

// ReviewQueue receives new issues for review
type ReviewQueue interface {
	Submit(ctx context.Context, issueID, actor string) error
	AutoApprove(ctx context.Context, issue *types.Issue, fix *types.Fix) (bool, error)
}

// Calibrator scores knowledge-hint fixes
type Calibrator interface {
	Calibrate(ctx context.Context, raw float64, cc calibration.Context) (float64, error)
}

// Options control a single crawl
type Options struct {
	AutoFix     bool     `json:"autoFix"`
	Extensions  []string `json:"extensions,omitempty"`
	Workers     int      `json:"-"`
	MaxFileSize int64    `json:"-"`
}

// Stats counts crawl progress. Fields are updated atomically while the crawl runs.
type Stats struct {
	FilesScanned int64 `json:"filesScanned"`
	IssuesFound  int64 `json:"issuesFound"`
	// IssuesAutoApproved were approved by policy with a knowledge fix attached
	IssuesAutoApproved int64 `json:"issuesAutoApproved"`
	// IssuesAutoFixed is never set by the crawler; the scan manager counts
	// issues from the crawl whose fix pipeline resolved
	IssuesAutoFixed     int64 `json:"issuesAutoFixed"`
	IssuesNeedingReview int64 `json:"issuesNeedingReview"`
	Errors              int64 `json:"errors"`
}

// Status is the externally visible crawl state
type Status struct {
	IsRunning bool  `json:"isRunning"`
	Stats     Stats `json:"stats"`
}

// Summary is the result of a finished (or stopped) crawl
type Summary struct {
	ID          string    `json:"id"`
	Root        string    `json:"root"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Stats       Stats     `json:"stats"`
	// Partial is set when the crawl was stopped before every file was scheduled
	Partial  bool     `json:"partial"`
	IssueIDs []string `json:"issueIds,omitempty"`
}

// Deps are the collaborators a crawler reports into. Knowledge, Review and
// Calibrator are optional.
type Deps struct {
	Issues     issues.Store
	Knowledge  KnowledgeLookup
	Review     ReviewQueue
	Calibrator Calibrator
	Bus        events.Publisher
	Detectors  []Detector
	// Minimum knowledge confidence for a hint to become a fix
	HintThreshold float64
}

// Crawler walks one target. A Crawler runs at most one crawl at a time.
type Crawler struct {
	deps Deps

	running             atomic.Bool
	filesScanned        atomic.Int64
	issuesFound         atomic.Int64
	issuesAutoApproved  atomic.Int64
	issuesNeedingReview atomic.Int64
	errors              atomic.Int64

	mu       sync.Mutex
	stopFn   context.CancelFunc
	issueIDs []string
}

// New creates a crawler
func New(deps Deps) *Crawler {
	if deps.Bus == nil {
		deps.Bus = events.Nop{}
	}
	if len(deps.Detectors) == 0 {
		deps.Detectors = DefaultDetectors()
	}
	if deps.HintThreshold <= 0 {
		deps.HintThreshold = 0.8
	}
	return &Crawler{deps: deps}
}

// Status returns the current counters without blocking the crawl
func (c *Crawler) Status() Status {
	return Status{IsRunning: c.running.Load(), Stats: c.stats()}
}

func (c *Crawler) stats() Stats {
	return Stats{
		FilesScanned:        c.filesScanned.Load(),
		IssuesFound:         c.issuesFound.Load(),
		IssuesAutoApproved:  c.issuesAutoApproved.Load(),
		IssuesNeedingReview: c.issuesNeedingReview.Load(),
		Errors:              c.errors.Load(),
	}
}

// Stop asks a running crawl to schedule nothing new. Files already being
// analyzed finish and the summary is returned as partial.
func (c *Crawler) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopFn != nil {
		c.stopFn()
	}
}

// begin claims the crawler and resets its counters.
func (c *Crawler) begin(root string) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("crawl of %s: %w", root, apperrors.ErrCrawlActive)
	}
	c.filesScanned.Store(0)
	c.issuesFound.Store(0)
	c.issuesAutoApproved.Store(0)
	c.issuesNeedingReview.Store(0)
	c.errors.Store(0)
	c.mu.Lock()
	c.issueIDs = nil
	c.mu.Unlock()
	return nil
}

// Crawl walks root and analyzes every matching file.
func (c *Crawler) Crawl(ctx context.Context, root string, opts Options) (*Summary, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("crawl root %q is not a readable directory", root), nil).
			WithDetails(map[string]interface{}{"root": root})
	}

	if err := c.begin(root); err != nil {
		return nil, err
	}

	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	var files []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable directory: count it and keep walking
			c.errors.Add(1)
			log.Printf("⚠️  Crawler: cannot read %s: %v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if hasExtension(path, exts) {
			files = append(files, path)
		}
		return nil
	})
	if walkErr != nil {
		c.running.Store(false)
		return nil, fmt.Errorf("walk %s: %w", root, walkErr)
	}

	return c.run(ctx, root, files, opts)
}

// CrawlFiles analyzes an explicit file list. Paths are reported relative to base.
func (c *Crawler) CrawlFiles(ctx context.Context, base string, files []string, opts Options) (*Summary, error) {
	if err := c.begin(base); err != nil {
		return nil, err
	}
	return c.run(ctx, base, files, opts)
}

func (c *Crawler) run(ctx context.Context, root string, files []string, opts Options) (*Summary, error) {
	defer c.running.Store(false)

	stopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.stopFn = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.stopFn = nil
		c.mu.Unlock()
		cancel()
	}()

	summary := &Summary{
		ID:        uuid.New().String(),
		Root:      root,
		StartedAt: time.Now().UTC(),
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 8
	}

	log.Printf("🔍 Crawl %s started: %s (%d files, %d workers)", summary.ID[:8], root, len(files), workers)
	c.deps.Bus.Publish(events.Event{
		Type:   events.CrawlStarted,
		Source: "crawler",
		Data:   map[string]interface{}{"crawl_id": summary.ID, "root": root, "files": len(files)},
	})

	// In-flight files keep working after a stop or cancellation so their
	// issues are stored consistently.
	workCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(workers)

schedule:
	for _, path := range files {
		select {
		case <-stopCtx.Done():
			summary.Partial = true
			break schedule
		default:
		}
		g.Go(func() error {
			c.processFile(workCtx, root, path, opts)
			return nil
		})
	}
	_ = g.Wait()

	summary.CompletedAt = time.Now().UTC()
	summary.Stats = c.stats()
	c.mu.Lock()
	summary.IssueIDs = append([]string(nil), c.issueIDs...)
	c.mu.Unlock()

	log.Printf("✅ Crawl %s completed in %v: %d files, %d issues, %d errors (partial=%v)",
		summary.ID[:8], summary.CompletedAt.Sub(summary.StartedAt).Round(time.Millisecond),
		summary.Stats.FilesScanned, summary.Stats.IssuesFound, summary.Stats.Errors, summary.Partial)
	c.deps.Bus.Publish(events.Event{
		Type:   events.CrawlCompleted,
		Source: "crawler",
		Data: map[string]interface{}{
			"crawl_id":      summary.ID,
			"root":          root,
			"files_scanned": summary.Stats.FilesScanned,
			"issues_found":  summary.Stats.IssuesFound,
			"errors":        summary.Stats.Errors,
			"partial":       summary.Partial,
		},
		Payload: *summary,
	})
	return summary, nil
}

// processFile never fails the crawl: read and detector failures are
// counted and logged.
func (c *Crawler) processFile(ctx context.Context, root, path string, opts Options) {
	if opts.MaxFileSize > 0 {
		if info, err := os.Stat(path); err == nil && info.Size() > opts.MaxFileSize {
			log.Printf("📏 Crawler: skipping %s (%d bytes)", path, info.Size())
			return
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		c.errors.Add(1)
		log.Printf("⚠️  Crawler: failed to read %s: %v", path, err)
		return
	}
	c.filesScanned.Add(1)

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	for _, d := range c.deps.Detectors {
		findings, err := runDetector(d, path, content)
		if err != nil {
			c.errors.Add(1)
			log.Printf("⚠️  Crawler: detector %s failed on %s: %v", d.Name(), path, err)
		}
		for _, f := range findings {
			c.emit(ctx, path, rel, d.Name(), string(content), f, opts)
		}
	}
}

func runDetector(d Detector, path string, content []byte) (findings []Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return d.Detect(path, content)
}

func (c *Crawler) emit(ctx context.Context, path, rel, detector, source string, f Finding, opts Options) {
	fp := Fingerprint(rel, f)
	if c.alreadyOpen(ctx, fp) {
		return
	}

	issue := &types.Issue{
		FilePath:    path,
		Line:        f.Line,
		EndLine:     f.EndLine,
		Column:      f.Column,
		Type:        f.Type,
		Severity:    f.Severity,
		Message:     f.Message,
		Tags:        f.Tags,
		Detector:    detector,
		Fingerprint: fp,
	}
	if err := c.deps.Issues.CreateIssue(ctx, issue); err != nil {
		c.errors.Add(1)
		log.Printf("⚠️  Crawler: failed to store issue for %s:%d: %v", rel, f.Line, err)
		return
	}
	c.issuesFound.Add(1)
	c.mu.Lock()
	c.issueIDs = append(c.issueIDs, issue.ID)
	c.mu.Unlock()

	c.deps.Bus.Publish(events.Event{
		Type:   events.IssueDetected,
		Source: "crawler",
		Data: map[string]interface{}{
			"issue_id": issue.ID,
			"type":     issue.Type,
			"severity": string(issue.Severity),
			"file":     rel,
			"line":     issue.Line,
		},
		Payload: *issue,
	})

	fix := c.hintFix(ctx, issue, source)

	if c.deps.Review == nil {
		c.issuesNeedingReview.Add(1)
		return
	}
	if err := c.deps.Review.Submit(ctx, issue.ID, "crawler"); err != nil {
		log.Printf("⚠️  Crawler: failed to submit %s for review: %v", issue.ID, err)
		c.issuesNeedingReview.Add(1)
		return
	}
	issue.Status = types.StatusPendingReview

	if opts.AutoFix && fix != nil {
		ok, err := c.deps.Review.AutoApprove(ctx, issue, fix)
		if err != nil {
			log.Printf("⚠️  Crawler: auto-approve failed for %s: %v", issue.ID, err)
		}
		if ok {
			c.issuesAutoApproved.Add(1)
			return
		}
	}
	c.issuesNeedingReview.Add(1)
}

// alreadyOpen reports whether an unresolved issue with this fingerprint exists.
func (c *Crawler) alreadyOpen(ctx context.Context, fingerprint string) bool {
	existing, err := c.deps.Issues.ListIssues(ctx, issues.Filter{Fingerprint: fingerprint})
	if err != nil {
		return false
	}
	for _, i := range existing {
		if i.Status != types.StatusResolved {
			return true
		}
	}
	return false
}

// hintFix attaches the best matching knowledge fix, if one is confident enough.
// Only line-range fixes are replayed, and only onto a span of the same size
// whose current text matches what the learned fix replaced.
func (c *Crawler) hintFix(ctx context.Context, issue *types.Issue, source string) *types.Fix {
	if c.deps.Knowledge == nil {
		return nil
	}
	results, err := c.deps.Knowledge.Search(ctx, "", knowledge.Filters{
		Type:          types.KnowledgeFix,
		Tags:          []string{issue.Type},
		MinConfidence: c.deps.HintThreshold,
	})
	if err != nil {
		if !errors.Is(err, apperrors.ErrDependencyOpen) {
			log.Printf("⚠️  Crawler: knowledge lookup failed for %s: %v", issue.ID, err)
		}
		return nil
	}

	patch := types.Patch{
		FilePath:  issue.FilePath,
		StartLine: issue.Line,
		EndLine:   max(issue.EndLine, issue.Line),
	}
	target, ok := types.SourceLines(source, patch.StartLine, patch.EndLine)
	if !ok {
		return nil
	}
	patch.Original = target

	for _, r := range results {
		replacement, ok := hintReplacement(*r.Entry, patch)
		if !ok {
			continue
		}
		patch.Replacement = replacement
		fix := &types.Fix{
			IssueID:       issue.ID,
			Patch:         patch,
			Safety:        safetyOf(r.Entry.Metadata["safety"]),
			RawConfidence: r.Entry.Confidence,
			Method:        "knowledge",
			Explanation:   r.Entry.Content,
			KnowledgeID:   r.Entry.ID,
		}
		fix.CalibratedConfidence = fix.RawConfidence
		if c.deps.Calibrator != nil {
			cc := calibration.Context{Method: fix.Method, Domain: calibration.DomainFor(issue.Type)}
			if cal, err := c.deps.Calibrator.Calibrate(ctx, fix.RawConfidence, cc); err == nil {
				fix.CalibratedConfidence = cal
			}
		}
		if err := c.deps.Issues.SaveFix(ctx, fix); err != nil {
			log.Printf("⚠️  Crawler: failed to attach knowledge fix to %s: %v", issue.ID, err)
			return nil
		}
		log.Printf("🧠 Knowledge hint %s attached to issue %s (confidence %s)",
			shortID(r.Entry.ID), shortID(issue.ID), strconv.FormatFloat(fix.CalibratedConfidence, 'f', 2, 64))
		return fix
	}
	return nil
}

// hintReplacement returns the entry's replacement if it can stand in for
// target: a range fix covering the same number of lines, learned from text
// that matches target when the entry recorded it.
func hintReplacement(entry types.KnowledgeEntry, target types.Patch) (string, bool) {
	replacement, ok := entry.Metadata["replacement"]
	if !ok || entry.Metadata["patch_kind"] != "range" {
		return "", false
	}
	span, err := strconv.Atoi(entry.Metadata["span"])
	if err != nil || span != target.Span() {
		return "", false
	}
	if original := entry.Metadata["original"]; original != "" && !types.SameLines(original, target.Original) {
		return "", false
	}
	return replacement, true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func safetyOf(s string) types.SafetyTier {
	switch types.SafetyTier(s) {
	case types.SafetySafe, types.SafetyRisky:
		return types.SafetyTier(s)
	}
	return types.SafetyMedium
}
