package issues

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "codeheal/internal/errors"
	"codeheal/types"

	"github.com/google/uuid"
)

// Filter narrows ListIssues. Zero fields match everything.
type Filter struct {
	Statuses    []types.IssueStatus
	Type        string
	Severity    types.Severity
	FilePath    string
	Fingerprint string
	Limit       int
}

// Store is the issue store contract. Issues are never deleted; status only
// changes through Transition, which is an atomic compare-and-set that also
// appends the decision record.
type Store interface {
	CreateIssue(ctx context.Context, issue *types.Issue) error
	GetIssue(ctx context.Context, id string) (*types.Issue, error)
	ListIssues(ctx context.Context, filter Filter) ([]*types.Issue, error)
	Transition(ctx context.Context, id string, from, to types.IssueStatus, decision *types.ReviewDecision) error
	SetResolution(ctx context.Context, id string, resolution map[string]string) error
	ListDecisions(ctx context.Context, issueID string) ([]*types.ReviewDecision, error)

	SaveFix(ctx context.Context, fix *types.Fix) error
	ActiveFix(ctx context.Context, issueID string) (*types.Fix, error)
	ListFixes(ctx context.Context, issueID string) ([]*types.Fix, error)
	UpdateFix(ctx context.Context, fix *types.Fix) error

	Close() error
}

// prepareIssue fills ids and timestamps and validates immutable fields.
func prepareIssue(issue *types.Issue, now time.Time) error {
	if issue.FilePath == "" || issue.Type == "" {
		return apperrors.NewValidationError("issue file path and type are required", nil)
	}
	if !types.ValidSeverity(issue.Severity) {
		return apperrors.NewValidationError("invalid severity", map[string]interface{}{"severity": issue.Severity})
	}
	if issue.ID == "" {
		issue.ID = uuid.New().String()
	}
	if issue.Status == "" {
		issue.Status = types.StatusDetected
	}
	if issue.DetectedAt.IsZero() {
		issue.DetectedAt = now
	}
	issue.UpdatedAt = now
	return nil
}

func prepareFix(fix *types.Fix, now time.Time) error {
	if fix.IssueID == "" {
		return apperrors.NewValidationError("fix must belong to an issue", nil)
	}
	if fix.ID == "" {
		fix.ID = uuid.New().String()
	}
	if fix.CreatedAt.IsZero() {
		fix.CreatedAt = now
	}
	fix.Active = true
	return nil
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, apperrors.ErrNotFound)
}

func invalidTransition(id string, want, got types.IssueStatus) error {
	return fmt.Errorf("issue %s is %s, not %s: %w", id, got, want, apperrors.ErrInvalidTransition)
}

func (f Filter) match(i *types.Issue) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if i.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Type != "" && i.Type != f.Type {
		return false
	}
	if f.Severity != "" && i.Severity != f.Severity {
		return false
	}
	if f.FilePath != "" && i.FilePath != f.FilePath {
		return false
	}
	if f.Fingerprint != "" && i.Fingerprint != f.Fingerprint {
		return false
	}
	return true
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu        sync.RWMutex
	issues    map[string]*types.Issue
	decisions map[string][]*types.ReviewDecision
	fixes     map[string][]*types.Fix
	now       func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		issues:    make(map[string]*types.Issue),
		decisions: make(map[string][]*types.ReviewDecision),
		fixes:     make(map[string][]*types.Fix),
		now:       time.Now,
	}
}

func (m *MemoryStore) CreateIssue(_ context.Context, issue *types.Issue) error {
	if err := prepareIssue(issue, m.now().UTC()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.issues[issue.ID]; exists {
		return apperrors.NewConflictError("issue already exists", nil)
	}
	m.issues[issue.ID] = cloneIssue(issue)
	return nil
}

func (m *MemoryStore) GetIssue(_ context.Context, id string) (*types.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.issues[id]
	if !ok {
		return nil, notFound("issue", id)
	}
	return cloneIssue(i), nil
}

func (m *MemoryStore) ListIssues(_ context.Context, filter Filter) ([]*types.Issue, error) {
	m.mu.RLock()
	var out []*types.Issue
	for _, i := range m.issues {
		if filter.match(i) {
			out = append(out, cloneIssue(i))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].DetectedAt.Equal(out[b].DetectedAt) {
			return out[a].DetectedAt.Before(out[b].DetectedAt)
		}
		return out[a].ID < out[b].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to types.IssueStatus, decision *types.ReviewDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.issues[id]
	if !ok {
		return notFound("issue", id)
	}
	if i.Status != from {
		return invalidTransition(id, from, i.Status)
	}

	now := m.now().UTC()
	i.Status = to
	i.UpdatedAt = now
	if decision != nil {
		d := *decision
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = now
		}
		d.IssueID, d.From, d.To = id, from, to
		m.decisions[id] = append(m.decisions[id], &d)
		*decision = d
	}
	return nil
}

func (m *MemoryStore) SetResolution(_ context.Context, id string, resolution map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.issues[id]
	if !ok {
		return notFound("issue", id)
	}
	if i.Resolution == nil {
		i.Resolution = make(map[string]string, len(resolution))
	}
	for k, v := range resolution {
		i.Resolution[k] = v
	}
	i.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) ListDecisions(_ context.Context, issueID string) ([]*types.ReviewDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.issues[issueID]; !ok {
		return nil, notFound("issue", issueID)
	}
	out := make([]*types.ReviewDecision, 0, len(m.decisions[issueID]))
	for _, d := range m.decisions[issueID] {
		c := *d
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) SaveFix(_ context.Context, fix *types.Fix) error {
	if err := prepareFix(fix, m.now().UTC()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.issues[fix.IssueID]; !ok {
		return notFound("issue", fix.IssueID)
	}
	for _, f := range m.fixes[fix.IssueID] {
		f.Active = false
	}
	c := *fix
	m.fixes[fix.IssueID] = append(m.fixes[fix.IssueID], &c)
	return nil
}

func (m *MemoryStore) ActiveFix(_ context.Context, issueID string) (*types.Fix, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.fixes[issueID] {
		if f.Active {
			c := *f
			return &c, nil
		}
	}
	return nil, notFound("active fix for issue", issueID)
}

func (m *MemoryStore) ListFixes(_ context.Context, issueID string) ([]*types.Fix, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Fix, 0, len(m.fixes[issueID]))
	for _, f := range m.fixes[issueID] {
		c := *f
		out = append(out, &c)
	}
	return out, nil
}

// UpdateFix rewrites mutable fix fields. Ownership and activity are kept.
func (m *MemoryStore) UpdateFix(_ context.Context, fix *types.Fix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.fixes[fix.IssueID] {
		if f.ID == fix.ID {
			f.CalibratedConfidence = fix.CalibratedConfidence
			f.RawConfidence = fix.RawConfidence
			f.Applied = fix.Applied
			f.Reverted = fix.Reverted
			f.Explanation = fix.Explanation
			return nil
		}
	}
	return notFound("fix", fix.ID)
}

func (m *MemoryStore) Close() error { return nil }

func cloneIssue(i *types.Issue) *types.Issue {
	c := *i
	c.Tags = append([]string(nil), i.Tags...)
	if i.Resolution != nil {
		c.Resolution = make(map[string]string, len(i.Resolution))
		for k, v := range i.Resolution {
			c.Resolution[k] = v
		}
	}
	return &c
}
