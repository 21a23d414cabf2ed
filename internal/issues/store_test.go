package issues

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	apperrors "codeheal/internal/errors"
	"codeheal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "issues.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func newIssue(file string) *types.Issue {
	return &types.Issue{
		FilePath:    file,
		Line:        12,
		Type:        "long_line",
		Severity:    types.SeverityLow,
		Message:     "line exceeds 120 characters",
		Tags:        []string{"style"},
		Detector:    "smells",
		Fingerprint: file + ":long_line:12",
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			issue := newIssue("main.go")
			require.NoError(t, s.CreateIssue(ctx, issue))
			assert.NotEmpty(t, issue.ID)
			assert.Equal(t, types.StatusDetected, issue.Status)

			got, err := s.GetIssue(ctx, issue.ID)
			require.NoError(t, err)
			assert.Equal(t, issue.FilePath, got.FilePath)
			assert.Equal(t, issue.Severity, got.Severity)
			assert.Equal(t, []string{"style"}, got.Tags)

			_, err = s.GetIssue(ctx, "missing")
			assert.True(t, errors.Is(err, apperrors.ErrNotFound))
		})
	}
}

func TestStore_CreateValidation(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			bad := newIssue("a.go")
			bad.Severity = "urgent"
			assert.Error(t, s.CreateIssue(context.Background(), bad))

			noType := newIssue("a.go")
			noType.Type = ""
			assert.Error(t, s.CreateIssue(context.Background(), noType))
		})
	}
}

func TestStore_ListFilters(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, b := newIssue("a.go"), newIssue("b.go")
			b.Severity = types.SeverityHigh
			require.NoError(t, s.CreateIssue(ctx, a))
			require.NoError(t, s.CreateIssue(ctx, b))
			require.NoError(t, s.Transition(ctx, b.ID, types.StatusDetected, types.StatusPendingReview, nil))

			all, err := s.ListIssues(ctx, Filter{})
			require.NoError(t, err)
			assert.Len(t, all, 2)

			pending, err := s.ListIssues(ctx, Filter{Statuses: []types.IssueStatus{types.StatusPendingReview}})
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, b.ID, pending[0].ID)

			bySev, err := s.ListIssues(ctx, Filter{Severity: types.SeverityLow})
			require.NoError(t, err)
			require.Len(t, bySev, 1)
			assert.Equal(t, a.ID, bySev[0].ID)

			byFP, err := s.ListIssues(ctx, Filter{Fingerprint: "b.go:long_line:12"})
			require.NoError(t, err)
			assert.Len(t, byFP, 1)

			limited, err := s.ListIssues(ctx, Filter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestStore_TransitionIsCompareAndSet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			issue := newIssue("a.go")
			require.NoError(t, s.CreateIssue(ctx, issue))

			d := &types.ReviewDecision{Action: types.ActionSubmit, Actor: "crawler"}
			require.NoError(t, s.Transition(ctx, issue.ID, types.StatusDetected, types.StatusPendingReview, d))
			assert.NotEmpty(t, d.ID)
			assert.Equal(t, types.StatusDetected, d.From)
			assert.Equal(t, types.StatusPendingReview, d.To)

			// stale from-state loses
			err := s.Transition(ctx, issue.ID, types.StatusDetected, types.StatusPendingReview, &types.ReviewDecision{Action: types.ActionSubmit, Actor: "x"})
			assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))

			err = s.Transition(ctx, "missing", types.StatusDetected, types.StatusPendingReview, nil)
			assert.True(t, errors.Is(err, apperrors.ErrNotFound))

			decisions, err := s.ListDecisions(ctx, issue.ID)
			require.NoError(t, err)
			require.Len(t, decisions, 1)
			assert.Equal(t, "crawler", decisions[0].Actor)
		})
	}
}

func TestStore_ConcurrentTransitionsFirstWins(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			issue := newIssue("a.go")
			require.NoError(t, s.CreateIssue(ctx, issue))
			require.NoError(t, s.Transition(ctx, issue.ID, types.StatusDetected, types.StatusPendingReview, nil))

			targets := []types.IssueStatus{types.StatusApproved, types.StatusRejected, types.StatusDeferred, types.StatusApproved}
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins, losses := 0, 0
			for _, to := range targets {
				wg.Add(1)
				go func(to types.IssueStatus) {
					defer wg.Done()
					err := s.Transition(ctx, issue.ID, types.StatusPendingReview, to, &types.ReviewDecision{Action: types.ActionApprove, Actor: "reviewer"})
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						wins++
					} else if errors.Is(err, apperrors.ErrInvalidTransition) {
						losses++
					}
				}(to)
			}
			wg.Wait()

			assert.Equal(t, 1, wins)
			assert.Equal(t, 3, losses)
			decisions, err := s.ListDecisions(ctx, issue.ID)
			require.NoError(t, err)
			assert.Len(t, decisions, 1)
		})
	}
}

func TestStore_FixesSupersede(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			issue := newIssue("a.go")
			require.NoError(t, s.CreateIssue(ctx, issue))

			_, err := s.ActiveFix(ctx, issue.ID)
			assert.True(t, errors.Is(err, apperrors.ErrNotFound))

			first := &types.Fix{IssueID: issue.ID, Patch: types.Patch{FilePath: "a.go", StartLine: 12, EndLine: 12, Replacement: "x := 1"}, Safety: types.SafetySafe, Method: "rule", RawConfidence: 0.6}
			second := &types.Fix{IssueID: issue.ID, Patch: types.Patch{FilePath: "a.go", Replacement: "package a\n"}, Safety: types.SafetyMedium, Method: "llm", RawConfidence: 0.8}
			require.NoError(t, s.SaveFix(ctx, first))
			require.NoError(t, s.SaveFix(ctx, second))

			active, err := s.ActiveFix(ctx, issue.ID)
			require.NoError(t, err)
			assert.Equal(t, second.ID, active.ID)
			assert.Equal(t, "package a\n", active.Patch.Replacement)

			all, err := s.ListFixes(ctx, issue.ID)
			require.NoError(t, err)
			require.Len(t, all, 2)
			activeCount := 0
			for _, f := range all {
				if f.Active {
					activeCount++
				}
			}
			assert.Equal(t, 1, activeCount)

			active.Applied = true
			active.CalibratedConfidence = 0.7
			require.NoError(t, s.UpdateFix(ctx, active))
			again, err := s.ActiveFix(ctx, issue.ID)
			require.NoError(t, err)
			assert.True(t, again.Applied)
			assert.InDelta(t, 0.7, again.CalibratedConfidence, 1e-9)

			assert.Error(t, s.SaveFix(ctx, &types.Fix{IssueID: "missing"}))
		})
	}
}

func TestStore_SetResolutionMerges(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			issue := newIssue("a.go")
			require.NoError(t, s.CreateIssue(ctx, issue))

			require.NoError(t, s.SetResolution(ctx, issue.ID, map[string]string{"pipeline": "p1"}))
			require.NoError(t, s.SetResolution(ctx, issue.ID, map[string]string{"outcome": "resolved"}))

			got, err := s.GetIssue(ctx, issue.ID)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"pipeline": "p1", "outcome": "resolved"}, got.Resolution)
		})
	}
}
