package review

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "codeheal/internal/errors"
	"codeheal/internal/events"
	"codeheal/internal/issues"
	"codeheal/types"
)

// PolicyActor is recorded on decisions made without a human.
const PolicyActor = "policy"

var transitions = map[types.IssueStatus]map[types.ReviewAction]types.IssueStatus{
	types.StatusDetected: {
		types.ActionSubmit: types.StatusPendingReview,
	},
	types.StatusPendingReview: {
		types.ActionApprove: types.StatusApproved,
		types.ActionReject:  types.StatusRejected,
		types.ActionDefer:   types.StatusDeferred,
	},
	types.StatusApproved: {
		types.ActionApply: types.StatusFixApplied,
	},
	types.StatusFixApplied: {
		types.ActionMonitor: types.StatusMonitoring,
	},
	types.StatusMonitoring: {
		types.ActionResolve:  types.StatusResolved,
		types.ActionRollback: types.StatusRolledBack,
	},
	types.StatusRejected: {
		types.ActionReopen: types.StatusDetected,
	},
	types.StatusDeferred: {
		types.ActionReopen: types.StatusDetected,
	},
}

// Next returns the state reached from current by action, or ErrInvalidTransition.
func Next(current types.IssueStatus, action types.ReviewAction) (types.IssueStatus, error) {
	if to, ok := transitions[current][action]; ok {
		return to, nil
	}
	return "", fmt.Errorf("cannot %s an issue in state %s: %w", action, current, apperrors.ErrInvalidTransition)
}

// IsReviewerAction reports whether a human reviewer may issue action directly.
func IsReviewerAction(action types.ReviewAction) bool {
	switch action {
	case types.ActionApprove, types.ActionReject, types.ActionDefer:
		return true
	}
	return false
}

// Settings tunes the machine
type Settings struct {
	// Policy used by AutoApprove during crawls
	Policy Policy
	// Minimum same-(type, severity) approvals in one batch to synthesize a pattern
	BatchPatternMinimum int
}

// Machine drives issues through the review lifecycle and records every step.
type Machine struct {
	store    issues.Store
	bus      events.Publisher
	settings Settings
	now      func() time.Time
}

// NewMachine creates a review state machine over store
func NewMachine(store issues.Store, bus events.Publisher, settings Settings) *Machine {
	if bus == nil {
		bus = events.Nop{}
	}
	if settings.Policy == nil {
		settings.Policy = SafeConfidentPolicy{Threshold: 0.85}
	}
	if settings.BatchPatternMinimum < 1 {
		settings.BatchPatternMinimum = 3
	}
	return &Machine{store: store, bus: bus, settings: settings, now: time.Now}
}

// Apply performs action on the issue. The store's compare-and-set makes the
// first of two concurrent actions win; the loser gets ErrInvalidTransition.
func (m *Machine) Apply(ctx context.Context, issueID string, action types.ReviewAction, actor, notes string) (*types.ReviewDecision, error) {
	issue, err := m.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	to, err := Next(issue.Status, action)
	if err != nil {
		return nil, err
	}

	decision := &types.ReviewDecision{
		Action:    action,
		Notes:     notes,
		Actor:     actor,
		Timestamp: m.now().UTC(),
	}
	if err := m.store.Transition(ctx, issueID, issue.Status, to, decision); err != nil {
		return nil, err
	}

	log.Printf("📋 Issue %s: %s → %s (%s by %s)", issueID, decision.From, decision.To, action, actor)
	m.bus.Publish(events.Event{
		Type:      events.ReviewDecided,
		Timestamp: decision.Timestamp,
		Source:    "review",
		Data: map[string]interface{}{
			"issue_id": issueID,
			"action":   string(action),
			"from":     string(decision.From),
			"to":       string(decision.To),
			"actor":    actor,
		},
		Payload: *decision,
	})
	return decision, nil
}

// Review applies a reviewer action (approve, reject or defer).
func (m *Machine) Review(ctx context.Context, issueID string, action types.ReviewAction, actor, notes string) (*types.ReviewDecision, error) {
	if !IsReviewerAction(action) {
		return nil, apperrors.NewValidationError("action must be approve, reject or defer", map[string]interface{}{"action": action})
	}
	if actor == "" {
		actor = "reviewer"
	}
	return m.Apply(ctx, issueID, action, actor, notes)
}

// Submit moves a detected issue into the review queue.
func (m *Machine) Submit(ctx context.Context, issueID, actor string) error {
	_, err := m.Apply(ctx, issueID, types.ActionSubmit, actor, "")
	return err
}

// Reopen returns a rejected or deferred issue to detected. History is kept.
func (m *Machine) Reopen(ctx context.Context, issueID, actor, notes string) (*types.ReviewDecision, error) {
	return m.Apply(ctx, issueID, types.ActionReopen, actor, notes)
}

// History returns the issue's decisions in the order they were made.
func (m *Machine) History(ctx context.Context, issueID string) ([]*types.ReviewDecision, error) {
	return m.store.ListDecisions(ctx, issueID)
}

// AutoApprove approves a pending issue when the configured policy accepts
// its fix. It reports whether the issue was approved.
func (m *Machine) AutoApprove(ctx context.Context, issue *types.Issue, fix *types.Fix) (bool, error) {
	return m.tryPolicy(ctx, m.settings.Policy, issue, fix)
}

func (m *Machine) tryPolicy(ctx context.Context, policy Policy, issue *types.Issue, fix *types.Fix) (bool, error) {
	if issue.Status != types.StatusPendingReview || !policy.Allow(issue, fix) {
		return false, nil
	}
	_, err := m.Apply(ctx, issue.ID, types.ActionApprove, PolicyActor, "auto-approved by "+policy.Name())
	if errors.Is(err, apperrors.ErrInvalidTransition) {
		// someone else decided first
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
