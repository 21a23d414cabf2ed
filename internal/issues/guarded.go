package issues

import (
	"context"
	"errors"

	"codeheal/internal/breaker"
	apperrors "codeheal/internal/errors"
	"codeheal/types"
)

// Guarded routes every store call through a circuit breaker. Lookups that
// miss and rejected transitions are answers, not outages, so they never
// count against the store.
type Guarded struct {
	store   Store
	breaker *breaker.Breaker
}

// NewGuarded wraps store with b
func NewGuarded(store Store, b *breaker.Breaker) *Guarded {
	return &Guarded{store: store, breaker: b}
}

// expected reports errors that mean the store is healthy
func expected(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrInvalidTransition) {
		return true
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case apperrors.ErrorTypeValidation, apperrors.ErrorTypeNotFound, apperrors.ErrorTypeConflict:
			return true
		}
	}
	return false
}

func (g *Guarded) run(ctx context.Context, fn func(context.Context) error) error {
	var answer error
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if expected(err) {
			answer = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return answer
}

func get[T any](ctx context.Context, g *Guarded, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := g.run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

func (g *Guarded) CreateIssue(ctx context.Context, issue *types.Issue) error {
	return g.run(ctx, func(ctx context.Context) error { return g.store.CreateIssue(ctx, issue) })
}

func (g *Guarded) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	return get(ctx, g, func(ctx context.Context) (*types.Issue, error) { return g.store.GetIssue(ctx, id) })
}

func (g *Guarded) ListIssues(ctx context.Context, filter Filter) ([]*types.Issue, error) {
	return get(ctx, g, func(ctx context.Context) ([]*types.Issue, error) { return g.store.ListIssues(ctx, filter) })
}

func (g *Guarded) Transition(ctx context.Context, id string, from, to types.IssueStatus, decision *types.ReviewDecision) error {
	return g.run(ctx, func(ctx context.Context) error { return g.store.Transition(ctx, id, from, to, decision) })
}

func (g *Guarded) SetResolution(ctx context.Context, id string, resolution map[string]string) error {
	return g.run(ctx, func(ctx context.Context) error { return g.store.SetResolution(ctx, id, resolution) })
}

func (g *Guarded) ListDecisions(ctx context.Context, issueID string) ([]*types.ReviewDecision, error) {
	return get(ctx, g, func(ctx context.Context) ([]*types.ReviewDecision, error) { return g.store.ListDecisions(ctx, issueID) })
}

func (g *Guarded) SaveFix(ctx context.Context, fix *types.Fix) error {
	return g.run(ctx, func(ctx context.Context) error { return g.store.SaveFix(ctx, fix) })
}

func (g *Guarded) ActiveFix(ctx context.Context, issueID string) (*types.Fix, error) {
	return get(ctx, g, func(ctx context.Context) (*types.Fix, error) { return g.store.ActiveFix(ctx, issueID) })
}

func (g *Guarded) ListFixes(ctx context.Context, issueID string) ([]*types.Fix, error) {
	return get(ctx, g, func(ctx context.Context) ([]*types.Fix, error) { return g.store.ListFixes(ctx, issueID) })
}

func (g *Guarded) UpdateFix(ctx context.Context, fix *types.Fix) error {
	return g.run(ctx, func(ctx context.Context) error { return g.store.UpdateFix(ctx, fix) })
}

func (g *Guarded) Close() error { return g.store.Close() }
