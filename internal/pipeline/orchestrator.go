package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"codeheal/internal/breaker"
	"codeheal/internal/calibration"
	apperrors "codeheal/internal/errors"
	"codeheal/internal/events"
	"codeheal/internal/issues"
	"codeheal/internal/knowledge"
	"codeheal/internal/remediation"
	"codeheal/internal/risk"
	"codeheal/types"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/semaphore"
)

// Stage names, in execution order
type Stage string

const (
	StageImpact    Stage = "impact"
	StageCalibrate Stage = "calibrate"
	StageGenerate  Stage = "generate"
	StageApply     Stage = "apply"
	StageMonitor   Stage = "monitor"
	StageDecide    Stage = "decide"
)

var stageOrder = []Stage{StageImpact, StageCalibrate, StageGenerate, StageApply, StageMonitor, StageDecide}

// StageState is the progress of one stage
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageSucceeded StageState = "succeeded"
	StageFailed    StageState = "failed"
)

// StageStatus is the observable record of one stage
type StageStatus struct {
	State       StageState `json:"state"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// State is the overall pipeline outcome
type State string

const (
	StateRunning    State = "running"
	StateResolved   State = "resolved"
	StateRolledBack State = "rolled_back"
	StateFailed     State = "failed"
)

// Result is the status and outcome of one pipeline run
type Result struct {
	ID               string                                       `json:"id"`
	IssueID          string                                       `json:"issue_id"`
	State            State                                        `json:"state"`
	FailedStage      Stage                                        `json:"failed_stage,omitempty"`
	Error            string                                       `json:"error,omitempty"`
	Stages           *orderedmap.OrderedMap[string, *StageStatus] `json:"stages"`
	Impact           *risk.Impact                                 `json:"impact,omitempty"`
	PredictedSuccess float64                                      `json:"predicted_success"`
	Fix              *types.Fix                                   `json:"fix,omitempty"`
	Session          *types.MonitoringSession                     `json:"session,omitempty"`
	StartedAt        time.Time                                    `json:"started_at"`
	CompletedAt      *time.Time                                   `json:"completed_at,omitempty"`
}

// Transitioner drives the review state machine
type Transitioner interface {
	Apply(ctx context.Context, issueID string, action types.ReviewAction, actor, notes string) (*types.ReviewDecision, error)
}

// Knowledge is the slice of the knowledge store the pipeline learns through
type Knowledge interface {
	Search(ctx context.Context, query string, filters knowledge.Filters) ([]knowledge.Result, error)
	AddKnowledge(ctx context.Context, entry types.KnowledgeEntry) (*types.KnowledgeEntry, knowledge.AddResult, error)
	RecordUsage(ctx context.Context, id string, success bool) (*types.KnowledgeEntry, error)
}

// Calibrator scores predictions and learns from outcomes
type Calibrator interface {
	Calibrate(ctx context.Context, raw float64, cc calibration.Context) (float64, error)
	RecordOutcome(ctx context.Context, fixID string, predicted float64, success bool, cc calibration.Context) error
}

// Applier writes and reverts patches
type Applier interface {
	Apply(ctx context.Context, fix *types.Fix) (*remediation.Application, error)
	Revert(ctx context.Context, app *remediation.Application) error
}

// Watcher observes an applied fix
type Watcher interface {
	Watch(ctx context.Context, session *types.MonitoringSession) error
}

// Deps are the pipeline's collaborators. Generator may be nil.
type Deps struct {
	Issues     issues.Store
	Review     Transitioner
	Knowledge  Knowledge
	Calibrator Calibrator
	Predictor  risk.Predictor
	Generator  remediation.Generator
	Applier    Applier
	Monitor    Watcher
	// Breaker guards the generator
	Breaker *breaker.Breaker
	Bus     events.Publisher
}

// Settings bound pipeline execution
type Settings struct {
	MaxConcurrent int
	StageTimeout  time.Duration
	// MonitorTimeout bounds the monitor stage; it should exceed the watch window
	MonitorTimeout time.Duration
	// Fixes calibrated below this are not applied
	MinConfidence float64
	RetryDelay    time.Duration
}

// Actor recorded on pipeline-driven review decisions
const Actor = "pipeline"

// Orchestrator runs fix pipelines for approved issues
type Orchestrator struct {
	deps     Deps
	settings Settings
	sem      *semaphore.Weighted

	mu        sync.RWMutex
	pipelines map[string]*run
	byIssue   map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// run is the mutable state behind a Result
type run struct {
	mu     sync.Mutex
	result *Result
	issue  *types.Issue
	app    *remediation.Application
}

// New creates an orchestrator
func New(deps Deps, settings Settings) *Orchestrator {
	if settings.MaxConcurrent < 1 {
		settings.MaxConcurrent = 4
	}
	if settings.StageTimeout <= 0 {
		settings.StageTimeout = 2 * time.Minute
	}
	if settings.MonitorTimeout <= 0 {
		settings.MonitorTimeout = 10 * time.Minute
	}
	if deps.Bus == nil {
		deps.Bus = events.Nop{}
	}
	if deps.Breaker == nil {
		deps.Breaker = breaker.New("fix_generator", breaker.DefaultSettings())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:      deps,
		settings:  settings,
		sem:       semaphore.NewWeighted(int64(settings.MaxConcurrent)),
		pipelines: make(map[string]*run),
		byIssue:   make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OrchestrateFix runs the full pipeline for an approved issue and blocks
// until it finishes. A failed pipeline returns its Result together with an
// error wrapping ErrPipelineFailed.
func (o *Orchestrator) OrchestrateFix(ctx context.Context, issueID string) (*Result, error) {
	r, err := o.prepare(ctx, issueID)
	if err != nil {
		return nil, err
	}
	o.wg.Add(1)
	defer o.wg.Done()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.fail(r, StageImpact, err)
		o.release(r)
		return o.snapshot(r), o.finalErr(r)
	}
	defer o.sem.Release(1)

	o.execute(ctx, r)
	return o.snapshot(r), o.finalErr(r)
}

// Start validates synchronously and runs the pipeline in the background.
func (o *Orchestrator) Start(ctx context.Context, issueID string) (*Result, error) {
	r, err := o.prepare(ctx, issueID)
	if err != nil {
		return nil, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.sem.Acquire(o.ctx, 1); err != nil {
			o.fail(r, StageImpact, err)
			o.release(r)
			return
		}
		defer o.sem.Release(1)
		o.execute(o.ctx, r)
	}()
	return o.snapshot(r), nil
}

// prepare rejects issues that are not approved or already in a pipeline.
func (o *Orchestrator) prepare(ctx context.Context, issueID string) (*run, error) {
	issue, err := o.deps.Issues.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if issue.Status != types.StatusApproved {
		return nil, fmt.Errorf("%w: issue %s is %s, not approved", apperrors.ErrInvalidTransition, issueID, issue.Status)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx.Err() != nil {
		return nil, apperrors.NewConflictError("pipeline orchestrator is shut down", nil)
	}
	if pid, ok := o.byIssue[issueID]; ok {
		return nil, apperrors.NewConflictError(fmt.Sprintf("pipeline %s is already running for issue %s", pid, issueID), nil)
	}

	stages := orderedmap.New[string, *StageStatus]()
	for _, s := range stageOrder {
		stages.Set(string(s), &StageStatus{State: StagePending})
	}
	r := &run{
		issue: issue,
		result: &Result{
			ID:        uuid.New().String(),
			IssueID:   issueID,
			State:     StateRunning,
			Stages:    stages,
			StartedAt: time.Now().UTC(),
		},
	}
	o.pipelines[r.result.ID] = r
	o.byIssue[issueID] = r.result.ID
	log.Printf("🚀 Pipeline %s started for issue %s", shortID(r.result.ID), shortID(issueID))
	return r, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	defer o.release(r)

	steps := map[Stage]func(context.Context, *run) error{
		StageImpact:    o.stageImpact,
		StageCalibrate: o.stageCalibrate,
		StageGenerate:  o.stageGenerate,
		StageApply:     o.stageApply,
		StageMonitor:   o.stageMonitor,
		StageDecide:    o.stageDecide,
	}
	for _, stage := range stageOrder {
		if err := o.runStage(ctx, r, stage, steps[stage]); err != nil {
			if o.applied(r) {
				o.abandon(ctx, r, stage, err)
				return
			}
			o.fail(r, stage, err)
			return
		}
	}
}

func (o *Orchestrator) applied(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.app != nil
}

// abandon takes back a fix whose monitoring or decision never completed,
// so the issue does not stay in monitoring with the patch on disk. It runs
// on a fresh context because ctx may be the reason the stage failed.
func (o *Orchestrator) abandon(ctx context.Context, r *run, stage Stage, cause error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.settings.StageTimeout)
	defer cancel()

	r.mu.Lock()
	fix, app := r.result.Fix, r.app
	r.mu.Unlock()

	if !fix.Reverted {
		if err := o.deps.Applier.Revert(rctx, app); err != nil {
			o.fail(r, stage, fmt.Errorf("%w (revert failed: %v)", cause, err))
			return
		}
		r.mu.Lock()
		fix.Reverted = true
		r.mu.Unlock()
		if err := o.deps.Issues.UpdateFix(rctx, fix); err != nil {
			log.Printf("⚠️  Pipeline %s: failed to mark fix reverted: %v", shortID(r.result.ID), err)
		}
	}

	reason := fmt.Sprintf("%s stage failed: %v", stage, cause)
	if err := o.rollbackIssue(rctx, r.issue.ID, reason); err != nil {
		o.fail(r, stage, fmt.Errorf("%w (rollback transition failed: %v)", cause, err))
		return
	}

	r.mu.Lock()
	session := r.result.Session
	if session != nil {
		session.Rollback = true
		session.EndState = types.MonitoringRolledBack
		if session.EndedAt.IsZero() {
			session.EndedAt = time.Now().UTC()
		}
	}
	now := time.Now().UTC()
	r.result.State = StateRolledBack
	r.result.FailedStage = stage
	r.result.Error = cause.Error()
	r.result.CompletedAt = &now
	r.mu.Unlock()

	o.deps.Bus.Publish(events.Event{
		Type:   events.FixRolledBack,
		Source: "pipeline",
		Data: map[string]interface{}{
			"pipeline_id": r.result.ID,
			"issue_id":    r.issue.ID,
			"fix_id":      fix.ID,
			"reason":      reason,
		},
	})
	if session != nil {
		o.resolution(rctx, r, fix, session)
	}
	log.Printf("🚨 Pipeline %s: %s, fix %s rolled back", shortID(r.result.ID), reason, shortID(fix.ID))
}

// rollbackIssue walks the issue to rolled_back from fix_applied or monitoring
func (o *Orchestrator) rollbackIssue(ctx context.Context, issueID, notes string) error {
	issue, err := o.deps.Issues.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	switch issue.Status {
	case types.StatusRolledBack:
		return nil
	case types.StatusFixApplied:
		if _, err := o.deps.Review.Apply(ctx, issueID, types.ActionMonitor, Actor, notes); err != nil {
			return err
		}
	}
	_, err = o.deps.Review.Apply(ctx, issueID, types.ActionRollback, Actor, notes)
	return err
}

// runStage runs fn with a timeout and one retry for transient errors.
func (o *Orchestrator) runStage(ctx context.Context, r *run, stage Stage, fn func(context.Context, *run) error) error {
	timeout := o.settings.StageTimeout
	if stage == StageMonitor {
		timeout = o.settings.MonitorTimeout
	}

	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		o.markStage(r, stage, StageRunning, attempt, nil)

		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(stageCtx, r)
		cancel()

		if err == nil {
			o.markStage(r, stage, StageSucceeded, attempt, nil)
			return nil
		}
		if ctx.Err() != nil || !retryable(err) || attempt == 2 {
			break
		}
		log.Printf("⚠️  Pipeline %s: stage %s failed, retrying: %v", shortID(r.result.ID), stage, err)
		if o.settings.RetryDelay > 0 {
			select {
			case <-time.After(o.settings.RetryDelay):
			case <-ctx.Done():
			}
		}
	}
	o.markStage(r, stage, StageFailed, 0, err)
	return err
}

// retryable reports whether err is transient
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, apperrors.ErrGeneratorUnavailable),
		errors.Is(err, apperrors.ErrDependencyOpen),
		errors.Is(err, apperrors.ErrInvalidTransition),
		errors.Is(err, apperrors.ErrNotFound),
		errors.Is(err, apperrors.ErrInvalidTarget):
		return false
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case apperrors.ErrorTypeValidation, apperrors.ErrorTypeConflict, apperrors.ErrorTypeNotFound:
			return false
		}
	}
	return true
}

func (o *Orchestrator) markStage(r *run, stage Stage, state StageState, attempt int, err error) {
	r.mu.Lock()
	st, _ := r.result.Stages.Get(string(stage))
	now := time.Now().UTC()
	st.State = state
	if attempt > 0 {
		st.Attempts = attempt
	}
	switch state {
	case StageRunning:
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
	case StageSucceeded, StageFailed:
		st.CompletedAt = &now
	}
	if err != nil {
		st.Error = err.Error()
	} else if state == StageSucceeded {
		st.Error = ""
	}
	pid, issueID := r.result.ID, r.result.IssueID
	r.mu.Unlock()

	data := map[string]interface{}{
		"pipeline_id": pid,
		"issue_id":    issueID,
		"stage":       string(stage),
		"state":       string(state),
		"attempt":     attempt,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	o.deps.Bus.Publish(events.Event{Type: events.PipelineStage, Source: "pipeline", Data: data})
}

func (o *Orchestrator) fail(r *run, stage Stage, err error) {
	r.mu.Lock()
	now := time.Now().UTC()
	r.result.State = StateFailed
	r.result.FailedStage = stage
	r.result.Error = err.Error()
	r.result.CompletedAt = &now
	r.mu.Unlock()
	log.Printf("❌ Pipeline %s failed at %s: %v", shortID(r.result.ID), stage, err)
}

func (o *Orchestrator) finish(r *run, state State) {
	r.mu.Lock()
	now := time.Now().UTC()
	r.result.State = state
	r.result.CompletedAt = &now
	r.mu.Unlock()
}

// release frees the issue slot and announces the outcome
func (o *Orchestrator) release(r *run) {
	o.mu.Lock()
	delete(o.byIssue, r.result.IssueID)
	o.mu.Unlock()

	res := o.snapshot(r)
	data := map[string]interface{}{
		"pipeline_id": res.ID,
		"issue_id":    res.IssueID,
		"state":       string(res.State),
	}
	if res.FailedStage != "" {
		data["failed_stage"] = string(res.FailedStage)
	}
	if res.Fix != nil {
		data["method"] = res.Fix.Method
	}
	o.deps.Bus.Publish(events.Event{Type: events.PipelineCompleted, Source: "pipeline", Data: data, Payload: *res})
	if res.State != StateFailed {
		log.Printf("✅ Pipeline %s finished: %s", shortID(res.ID), res.State)
	}
}

func (o *Orchestrator) finalErr(r *run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result.State != StateFailed {
		return nil
	}
	return apperrors.NewAppError(apperrors.ErrorTypePipelineFailed, "PIPELINE_FAILED",
		fmt.Sprintf("pipeline %s failed at stage %s: %s", r.result.ID, r.result.FailedStage, r.result.Error),
		apperrors.ErrPipelineFailed).WithDetails(map[string]interface{}{
		"pipeline_id": r.result.ID,
		"stage":       string(r.result.FailedStage),
	})
}

// GetPipelineStatus returns a snapshot of one pipeline
func (o *Orchestrator) GetPipelineStatus(id string) (*Result, error) {
	o.mu.RLock()
	r, ok := o.pipelines[id]
	o.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewNotFoundError("pipeline " + id)
	}
	return o.snapshot(r), nil
}

// ListPipelines returns every pipeline, newest first
func (o *Orchestrator) ListPipelines() []*Result {
	o.mu.RLock()
	runs := make([]*run, 0, len(o.pipelines))
	for _, r := range o.pipelines {
		runs = append(runs, r)
	}
	o.mu.RUnlock()

	out := make([]*Result, 0, len(runs))
	for _, r := range runs {
		out = append(out, o.snapshot(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (o *Orchestrator) snapshot(r *run) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *r.result
	c.Stages = orderedmap.New[string, *StageStatus]()
	for pair := r.result.Stages.Oldest(); pair != nil; pair = pair.Next() {
		st := *pair.Value
		c.Stages.Set(pair.Key, &st)
	}
	if r.result.Fix != nil {
		fix := *r.result.Fix
		c.Fix = &fix
	}
	if r.result.Session != nil {
		s := *r.result.Session
		c.Session = &s
	}
	return &c
}

// Wait blocks until every started pipeline has finished
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Shutdown cancels running pipelines and waits for them
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("✅ Pipeline orchestrator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
