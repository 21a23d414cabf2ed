package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"codeheal/internal/breaker"
	"codeheal/internal/calibration"
	apperrors "codeheal/internal/errors"
	"codeheal/internal/events"
	"codeheal/internal/knowledge"
	"codeheal/internal/remediation"
	"codeheal/types"

	"github.com/google/uuid"
)

// impactMethod is the calibration bucket for impact predictions
const impactMethod = "impact"

func (o *Orchestrator) domain(r *run) string {
	return calibration.DomainFor(r.issue.Type)
}

// candidateFix returns the issue's active fix if it has not been applied yet
func (o *Orchestrator) candidateFix(ctx context.Context, r *run) (*types.Fix, error) {
	fix, err := o.deps.Issues.ActiveFix(ctx, r.issue.ID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if fix.Applied {
		return nil, nil
	}
	return fix, nil
}

func (o *Orchestrator) stageImpact(ctx context.Context, r *run) error {
	if o.deps.Predictor == nil {
		return nil
	}
	fix, err := o.candidateFix(ctx, r)
	if err != nil {
		return err
	}
	impact, err := o.deps.Predictor.Predict(ctx, *r.issue, fix)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.result.Impact = &impact
	r.result.PredictedSuccess = impact.SuccessEstimate
	r.mu.Unlock()
	return nil
}

func (o *Orchestrator) stageCalibrate(ctx context.Context, r *run) error {
	r.mu.Lock()
	raw := r.result.PredictedSuccess
	hasImpact := r.result.Impact != nil
	r.mu.Unlock()
	if !hasImpact || o.deps.Calibrator == nil {
		return nil
	}

	cal, err := o.deps.Calibrator.Calibrate(ctx, raw, calibration.Context{Method: impactMethod, Domain: o.domain(r)})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.result.PredictedSuccess = cal
	r.mu.Unlock()
	return nil
}

// stageGenerate reuses an unapplied active fix or asks the generator for one
func (o *Orchestrator) stageGenerate(ctx context.Context, r *run) error {
	fix, err := o.candidateFix(ctx, r)
	if err != nil {
		return err
	}

	if fix == nil {
		if fix, err = o.generate(ctx, r); err != nil {
			return err
		}
	} else {
		log.Printf("🧠 Pipeline %s: reusing %s fix %s", shortID(r.result.ID), fix.Method, shortID(fix.ID))
	}

	if o.deps.Calibrator != nil {
		cc := calibration.Context{Method: fix.Method, Domain: o.domain(r)}
		cal, err := o.deps.Calibrator.Calibrate(ctx, fix.RawConfidence, cc)
		if err != nil {
			return err
		}
		fix.CalibratedConfidence = cal
	} else if fix.CalibratedConfidence == 0 {
		fix.CalibratedConfidence = fix.RawConfidence
	}

	if fix.Active {
		err = o.deps.Issues.UpdateFix(ctx, fix)
	} else {
		err = o.deps.Issues.SaveFix(ctx, fix)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.result.Fix = fix
	r.mu.Unlock()

	if fix.CalibratedConfidence < o.settings.MinConfidence {
		return apperrors.NewValidationError(fmt.Sprintf("calibrated confidence %s is below the minimum %s",
			strconv.FormatFloat(fix.CalibratedConfidence, 'f', 2, 64),
			strconv.FormatFloat(o.settings.MinConfidence, 'f', 2, 64)), nil)
	}
	return nil
}

// generate calls the fix generator behind its circuit breaker
func (o *Orchestrator) generate(ctx context.Context, r *run) (*types.Fix, error) {
	if o.deps.Generator == nil {
		return nil, fmt.Errorf("%w: no generator configured", apperrors.ErrGeneratorUnavailable)
	}

	req := remediation.Request{Issue: *r.issue, Hints: o.hints(ctx, r)}
	fix, err := breaker.Do(ctx, o.deps.Breaker, func(ctx context.Context) (*types.Fix, error) {
		return o.deps.Generator.Generate(ctx, req)
	})
	if errors.Is(err, apperrors.ErrDependencyOpen) {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrGeneratorUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	fix.IssueID = r.issue.ID
	if fix.ID == "" {
		fix.ID = uuid.New().String()
	}
	return fix, nil
}

// hints are the best recorded fixes for this issue type
func (o *Orchestrator) hints(ctx context.Context, r *run) []string {
	if o.deps.Knowledge == nil {
		return nil
	}
	results, err := o.deps.Knowledge.Search(ctx, r.issue.Message, knowledge.Filters{
		Type:  types.KnowledgeFix,
		Tags:  []string{r.issue.Type},
		Limit: 3,
	})
	if err != nil {
		log.Printf("⚠️  Pipeline %s: knowledge hints unavailable: %v", shortID(r.result.ID), err)
		return nil
	}
	out := make([]string, 0, len(results))
	for _, res := range results {
		out = append(out, res.Entry.Content)
	}
	return out
}

// stageApply writes the patch and moves the issue to fix_applied. A failed
// transition reverts the file.
func (o *Orchestrator) stageApply(ctx context.Context, r *run) error {
	r.mu.Lock()
	fix := r.result.Fix
	r.mu.Unlock()
	if fix == nil {
		return apperrors.NewValidationError("no fix to apply", nil)
	}

	app, err := o.deps.Applier.Apply(ctx, fix)
	if err != nil {
		return err
	}

	if _, err := o.deps.Review.Apply(ctx, r.issue.ID, types.ActionApply, Actor, "fix "+fix.ID); err != nil {
		if rerr := o.deps.Applier.Revert(context.WithoutCancel(ctx), app); rerr != nil {
			log.Printf("❌ Pipeline %s: revert after failed transition: %v", shortID(r.result.ID), rerr)
		}
		return err
	}

	r.mu.Lock()
	fix.Applied = true
	r.mu.Unlock()
	if err := o.deps.Issues.UpdateFix(context.WithoutCancel(ctx), fix); err != nil {
		log.Printf("⚠️  Pipeline %s: failed to mark fix applied: %v", shortID(r.result.ID), err)
	}

	r.mu.Lock()
	r.app = app
	r.result.Session = &types.MonitoringSession{
		ID:       uuid.New().String(),
		FixID:    fix.ID,
		IssueID:  r.issue.ID,
		EndState: types.MonitoringActive,
	}
	r.mu.Unlock()
	return nil
}

// stageMonitor moves the issue to monitoring and watches the fix
func (o *Orchestrator) stageMonitor(ctx context.Context, r *run) error {
	issue, err := o.deps.Issues.GetIssue(ctx, r.issue.ID)
	if err != nil {
		return err
	}
	if issue.Status == types.StatusFixApplied {
		if _, err := o.deps.Review.Apply(ctx, r.issue.ID, types.ActionMonitor, Actor, ""); err != nil {
			return err
		}
	}

	r.mu.Lock()
	session := *r.result.Session
	r.mu.Unlock()
	session.Signals = nil
	session.Violations = nil

	if o.deps.Monitor != nil {
		err = o.deps.Monitor.Watch(ctx, &session)
	} else {
		session.EndState = types.MonitoringResolved
	}

	r.mu.Lock()
	r.result.Session = &session
	r.mu.Unlock()
	return err
}

// stageDecide resolves or rolls back and feeds the outcome back
func (o *Orchestrator) stageDecide(ctx context.Context, r *run) error {
	r.mu.Lock()
	fix := r.result.Fix
	session := r.result.Session
	app := r.app
	predicted := r.result.PredictedSuccess
	hasImpact := r.result.Impact != nil
	r.mu.Unlock()

	if session.Rollback {
		if !fix.Reverted {
			if err := o.deps.Applier.Revert(ctx, app); err != nil {
				return err
			}
			r.mu.Lock()
			fix.Reverted = true
			r.mu.Unlock()
			if err := o.deps.Issues.UpdateFix(ctx, fix); err != nil {
				log.Printf("⚠️  Pipeline %s: failed to mark fix reverted: %v", shortID(r.result.ID), err)
			}
		}
		if _, err := o.deps.Review.Apply(ctx, r.issue.ID, types.ActionRollback, Actor, strings.Join(session.Violations, "; ")); err != nil {
			return err
		}
		o.learn(ctx, r, fix, predicted, hasImpact, false)
		o.deps.Bus.Publish(events.Event{
			Type:   events.FixRolledBack,
			Source: "pipeline",
			Data: map[string]interface{}{
				"pipeline_id": r.result.ID,
				"issue_id":    r.issue.ID,
				"fix_id":      fix.ID,
				"violations":  session.Violations,
			},
		})
		o.resolution(ctx, r, fix, session)
		o.finish(r, StateRolledBack)
		log.Printf("🚨 Pipeline %s rolled back fix %s", shortID(r.result.ID), shortID(fix.ID))
		return nil
	}

	if _, err := o.deps.Review.Apply(ctx, r.issue.ID, types.ActionResolve, Actor, string(session.EndState)); err != nil {
		return err
	}
	// an expired session carries no evidence either way
	if session.EndState == types.MonitoringResolved {
		o.learn(ctx, r, fix, predicted, hasImpact, true)
	}
	o.resolution(ctx, r, fix, session)
	o.finish(r, StateResolved)
	return nil
}

// learn records the outcome with the calibrator and the knowledge store.
// Failures here are logged; the issue's state is already final.
func (o *Orchestrator) learn(ctx context.Context, r *run, fix *types.Fix, predicted float64, hasImpact, success bool) {
	domain := o.domain(r)
	if o.deps.Calibrator != nil {
		if err := o.deps.Calibrator.RecordOutcome(ctx, fix.ID, fix.RawConfidence, success, calibration.Context{Method: fix.Method, Domain: domain}); err != nil {
			log.Printf("⚠️  Pipeline %s: failed to record fix outcome: %v", shortID(r.result.ID), err)
		}
		if hasImpact {
			if err := o.deps.Calibrator.RecordOutcome(ctx, fix.ID, predicted, success, calibration.Context{Method: impactMethod, Domain: domain}); err != nil {
				log.Printf("⚠️  Pipeline %s: failed to record impact outcome: %v", shortID(r.result.ID), err)
			}
		}
	}

	if o.deps.Knowledge == nil {
		return
	}
	knowledgeID := fix.KnowledgeID
	if knowledgeID == "" && success {
		entry, _, err := o.deps.Knowledge.AddKnowledge(ctx, knowledgeFromFix(r.issue, fix))
		if err != nil {
			log.Printf("⚠️  Pipeline %s: failed to store fix knowledge: %v", shortID(r.result.ID), err)
			return
		}
		knowledgeID = entry.ID
	}
	if knowledgeID == "" {
		return
	}
	if _, err := o.deps.Knowledge.RecordUsage(ctx, knowledgeID, success); err != nil {
		log.Printf("⚠️  Pipeline %s: failed to record knowledge usage: %v", shortID(r.result.ID), err)
	}
}

func knowledgeFromFix(issue *types.Issue, fix *types.Fix) types.KnowledgeEntry {
	content := fix.Explanation
	if content == "" {
		content = fmt.Sprintf("Fix for %s: %s", issue.Type, issue.Message)
	}
	return types.KnowledgeEntry{
		Type:       types.KnowledgeFix,
		Content:    content,
		Source:     "pipeline",
		Confidence: fix.CalibratedConfidence,
		Tags:       []string{issue.Type, string(issue.Severity)},
		Metadata: map[string]string{
			"replacement": fix.Patch.Replacement,
			"original":    fix.Patch.Original,
			"patch_kind":  patchKind(fix.Patch),
			"span":        strconv.Itoa(fix.Patch.Span()),
			"safety":      string(fix.Safety),
			"method":      fix.Method,
			"issue_type":  issue.Type,
		},
	}
}

// patchKind tells hint consumers whether the replacement is a line range
// they may re-anchor or a whole file they must not replay elsewhere.
func patchKind(p types.Patch) string {
	if p.FullFile() {
		return "full_file"
	}
	return "range"
}

func (o *Orchestrator) resolution(ctx context.Context, r *run, fix *types.Fix, session *types.MonitoringSession) {
	res := map[string]string{
		"pipeline_id":   r.result.ID,
		"fix_id":        fix.ID,
		"method":        fix.Method,
		"session_id":    session.ID,
		"monitor_state": string(session.EndState),
	}
	if err := o.deps.Issues.SetResolution(ctx, r.issue.ID, res); err != nil {
		log.Printf("⚠️  Pipeline %s: failed to store resolution: %v", shortID(r.result.ID), err)
	}
}

