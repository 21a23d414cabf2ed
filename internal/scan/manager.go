package scan

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"codeheal/internal/crawler"
	apperrors "codeheal/internal/errors"
	"codeheal/internal/events"

	"github.com/google/uuid"
)

// CrawlState represents the state of a crawl job
type CrawlState string

const (
	CrawlStateQueued    CrawlState = "queued"
	CrawlStateRunning   CrawlState = "running"
	CrawlStateComplete  CrawlState = "complete"
	CrawlStateError     CrawlState = "error"
	CrawlStateCancelled CrawlState = "cancelled"
)

// Runner is one crawler instance
type Runner interface {
	Crawl(ctx context.Context, root string, opts crawler.Options) (*crawler.Summary, error)
	Status() crawler.Status
	Stop()
}

// Factory creates a fresh Runner for each dispatched crawl
type Factory func() Runner

// CrawlJob tracks one target through the queue
type CrawlJob struct {
	ID          string           `json:"id"`
	Target      string           `json:"target"`
	State       CrawlState       `json:"state"`
	Options     crawler.Options  `json:"options"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Stats       crawler.Stats    `json:"stats"`
	Error       string           `json:"error,omitempty"`
	Summary     *crawler.Summary `json:"summary,omitempty"`

	runner  Runner
	done    chan struct{}
	stopped bool
	fixed   int64
}

// Handle is the per-target answer to a dispatch request
type Handle struct {
	Target   string `json:"target"`
	Success  bool   `json:"success"`
	CrawlID  string `json:"crawlId,omitempty"`
	Existing bool   `json:"existing,omitempty"`
	Message  string `json:"message,omitempty"`
}

// QueueStatus aggregates the manager's state
type QueueStatus struct {
	Active      int `json:"active"`
	Queued      int `json:"queued"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	PeakActive  int `json:"peakActive"`
	Concurrency int `json:"concurrency"`
}

// Manager bounds concurrently running crawls and queues the rest FIFO.
type Manager struct {
	factory Factory
	bus     events.Publisher

	mu        sync.Mutex
	jobs      map[string]*CrawlJob
	byTarget  map[string]*CrawlJob // queued or running
	queue     []*CrawlJob
	limit     int
	running   int
	peak      int
	completed int
	failed    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a crawl manager running at most concurrency crawls
func NewManager(factory Factory, concurrency int, bus events.Publisher) *Manager {
	if concurrency < 1 {
		concurrency = 10
	}
	if bus == nil {
		bus = events.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	log.Printf("✅ Crawl manager initialized (concurrency %d)", concurrency)
	return &Manager{
		factory:  factory,
		bus:      bus,
		jobs:     make(map[string]*CrawlJob),
		byTarget: make(map[string]*CrawlJob),
		limit:    concurrency,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetConcurrency changes the bound; queued crawls start if slots opened.
func (m *Manager) SetConcurrency(n int) {
	if n < 1 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = n
	m.dispatchLocked()
}

// StartParallelCrawls submits every target and returns one handle per
// target, in order. Invalid targets are rejected without being queued.
func (m *Manager) StartParallelCrawls(targets []string, opts crawler.Options) []Handle {
	handles := make([]Handle, 0, len(targets))
	for _, t := range targets {
		job, existing, err := m.Submit(t, opts)
		if err != nil {
			handles = append(handles, Handle{Target: t, Success: false, Message: err.Error()})
			continue
		}
		handles = append(handles, Handle{Target: job.Target, Success: true, CrawlID: job.ID, Existing: existing})
	}
	return handles
}

// Submit queues one target. A target already queued or running returns
// that job with existing set.
func (m *Manager) Submit(target string, opts crawler.Options) (CrawlJob, bool, error) {
	norm, err := normalizeTarget(target)
	if err != nil {
		return CrawlJob{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return CrawlJob{}, false, apperrors.NewConflictError("crawl manager is shut down", nil)
	}
	if job, ok := m.byTarget[norm]; ok {
		return m.snapshotLocked(job), true, nil
	}

	job := &CrawlJob{
		ID:        uuid.New().String(),
		Target:    norm,
		State:     CrawlStateQueued,
		Options:   opts,
		CreatedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	m.jobs[job.ID] = job
	m.byTarget[norm] = job
	m.queue = append(m.queue, job)
	log.Printf("📋 Queued crawl %s for %s", job.ID[:8], norm)

	m.dispatchLocked()
	return m.snapshotLocked(job), false, nil
}

// IsActive reports whether target is queued or running
func (m *Manager) IsActive(target string) bool {
	norm, err := normalizeTarget(target)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byTarget[norm]
	return ok
}

func normalizeTarget(target string) (string, error) {
	if target == "" {
		return "", apperrors.NewValidationError("crawl target is required", nil)
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", apperrors.NewValidationError(fmt.Sprintf("invalid crawl target %q", target), nil)
	}
	abs = filepath.Clean(abs)
	info, err := os.Stat(abs)
	if err != nil {
		return "", apperrors.NewValidationError(fmt.Sprintf("crawl target %q does not exist", target), nil)
	}
	if !info.IsDir() {
		return "", apperrors.NewValidationError(fmt.Sprintf("crawl target %q is not a directory", target), nil)
	}
	return abs, nil
}

// dispatchLocked starts queued jobs while slots are free. Caller holds mu.
func (m *Manager) dispatchLocked() {
	for m.running < m.limit && len(m.queue) > 0 && m.ctx.Err() == nil {
		job := m.queue[0]
		m.queue = m.queue[1:]

		now := time.Now().UTC()
		job.State = CrawlStateRunning
		job.StartedAt = &now
		job.runner = m.factory()

		m.running++
		if m.running > m.peak {
			m.peak = m.running
		}

		m.wg.Add(1)
		go m.run(job)
	}
}

func (m *Manager) run(job *CrawlJob) {
	defer m.wg.Done()
	log.Printf("🚀 Starting crawl %s (%s)", job.ID[:8], job.Target)

	summary, err := m.crawlSafe(job)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	job.CompletedAt = &now
	job.Summary = summary
	if summary != nil {
		job.Stats = summary.Stats
	} else {
		job.Stats = job.runner.Status().Stats
	}

	switch {
	case err != nil:
		job.State = CrawlStateError
		job.Error = err.Error()
		job.Stats.Errors++
		m.failed++
		log.Printf("❌ Crawl %s failed: %v", job.ID[:8], err)
	case summary.Partial && (job.stopped || m.ctx.Err() != nil):
		job.State = CrawlStateCancelled
		m.completed++
		log.Printf("🛑 Crawl %s cancelled", job.ID[:8])
	default:
		job.State = CrawlStateComplete
		m.completed++
	}

	m.running--
	delete(m.byTarget, job.Target)
	close(job.done)
	m.dispatchLocked()
}

// Stop cancels one crawl. A queued crawl is dropped; a running one stops
// scheduling files and Stop waits for its partial summary. Stopping a
// finished crawl returns it unchanged.
func (m *Manager) Stop(ctx context.Context, id string) (CrawlJob, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return CrawlJob{}, apperrors.NewNotFoundError("crawl " + id)
	}
	switch job.State {
	case CrawlStateQueued:
		m.queue = slices.DeleteFunc(m.queue, func(j *CrawlJob) bool { return j == job })
		m.cancelQueuedLocked(job)
		log.Printf("🛑 Queued crawl %s dropped", job.ID[:8])
		snap := m.snapshotLocked(job)
		m.mu.Unlock()
		return snap, nil
	case CrawlStateRunning:
		job.stopped = true
		job.runner.Stop()
		log.Printf("🛑 Stopping crawl %s", job.ID[:8])
	}
	done := job.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return CrawlJob{}, ctx.Err()
	}
	return m.GetJob(id)
}

// cancelQueuedLocked marks a job that never ran as cancelled. Caller holds mu.
func (m *Manager) cancelQueuedLocked(job *CrawlJob) {
	now := time.Now().UTC()
	job.State = CrawlStateCancelled
	job.CompletedAt = &now
	delete(m.byTarget, job.Target)
	close(job.done)
}

// RecordFixed credits a resolved fix to the crawl that found the issue: the
// finished crawl listing it, else a running crawl covering the file.
func (m *Manager) RecordFixed(issueID, filePath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var match *CrawlJob
	for _, j := range m.jobs {
		if j.Summary != nil && slices.Contains(j.Summary.IssueIDs, issueID) {
			match = j
			break
		}
		if j.State == CrawlStateRunning && within(j.Target, filePath) {
			match = j
		}
	}
	if match == nil {
		return false
	}
	match.fixed++
	return true
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// crawlSafe turns a crawler panic into an error for this job only.
func (m *Manager) crawlSafe(job *CrawlJob) (summary *crawler.Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			summary = nil
			err = fmt.Errorf("crawler panic: %v", r)
		}
	}()
	return job.runner.Crawl(m.ctx, job.Target, job.Options)
}

// Status returns aggregate counts
func (m *Manager) Status() QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return QueueStatus{
		Active:      m.running,
		Queued:      len(m.queue),
		Completed:   m.completed,
		Failed:      m.failed,
		PeakActive:  m.peak,
		Concurrency: m.limit,
	}
}

// GetJob returns a snapshot of one job, with live counters while it runs
func (m *Manager) GetJob(id string) (CrawlJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return CrawlJob{}, apperrors.NewNotFoundError("crawl " + id)
	}
	return m.snapshotLocked(job), nil
}

// ListJobs returns all jobs, newest first
func (m *Manager) ListJobs() []CrawlJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CrawlJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, m.snapshotLocked(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *Manager) snapshotLocked(job *CrawlJob) CrawlJob {
	c := *job
	if job.State == CrawlStateRunning && job.runner != nil {
		c.Stats = job.runner.Status().Stats
	}
	c.Stats.IssuesAutoFixed = job.fixed
	c.runner = nil
	c.done = nil
	return c
}

// Wait blocks until no crawl is queued or running
func (m *Manager) Wait() {
	for {
		m.wg.Wait()
		m.mu.Lock()
		idle := m.running == 0 && len(m.queue) == 0
		m.mu.Unlock()
		if idle {
			return
		}
	}
}

// CleanupOldJobs forgets finished jobs older than maxAge
func (m *Manager) CleanupOldJobs(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	cleaned := 0
	for id, j := range m.jobs {
		if j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			cleaned++
		}
	}
	if cleaned > 0 {
		log.Printf("🧹 Cleaned up %d old crawl jobs", cleaned)
	}
	return cleaned
}

// Shutdown stops running crawls, drops the queue and waits for workers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	for _, j := range m.queue {
		m.cancelQueuedLocked(j)
	}
	m.queue = nil
	for _, j := range m.jobs {
		if j.State == CrawlStateRunning && j.runner != nil {
			j.runner.Stop()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("✅ Crawl manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
