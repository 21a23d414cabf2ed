package review

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"

	apperrors "codeheal/internal/errors"
	"codeheal/internal/events"
	"codeheal/internal/issues"
	"codeheal/types"
)

// BatchResult summarizes one batch run
type BatchResult struct {
	Policy    string                 `json:"policy"`
	Processed int                    `json:"processed"`
	Approved  int                    `json:"approved"`
	Skipped   int                    `json:"skipped"`
	Failed    int                    `json:"failed"`
	Patterns  []types.KnowledgeEntry `json:"patterns,omitempty"`
}

type groupKey struct {
	issueType string
	severity  types.Severity
}

type group struct {
	key        groupKey
	count      int
	confidence float64
}

// BatchProcess runs policy over every pending issue. Groups of at least
// BatchPatternMinimum approvals sharing (type, severity) produce a pattern
// entry, which is returned and published for the knowledge store.
func (m *Machine) BatchProcess(ctx context.Context, policy Policy) (BatchResult, error) {
	if policy == nil {
		policy = m.settings.Policy
	}
	result := BatchResult{Policy: policy.Name()}

	pending, err := m.store.ListIssues(ctx, issues.Filter{Statuses: []types.IssueStatus{types.StatusPendingReview}})
	if err != nil {
		return result, fmt.Errorf("list pending issues: %w", err)
	}

	groups := make(map[groupKey]*group)
	for _, issue := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Processed++

		fix, err := m.store.ActiveFix(ctx, issue.ID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			log.Printf("⚠️  Batch review: cannot load fix for %s: %v", issue.ID, err)
			result.Failed++
			continue
		}

		approved, err := m.tryPolicy(ctx, policy, issue, fix)
		if err != nil {
			log.Printf("⚠️  Batch review: approve %s failed: %v", issue.ID, err)
			result.Failed++
			continue
		}
		if !approved {
			result.Skipped++
			continue
		}

		result.Approved++
		key := groupKey{issueType: issue.Type, severity: issue.Severity}
		g, ok := groups[key]
		if !ok {
			g = &group{key: key}
			groups[key] = g
		}
		g.count++
		g.confidence += fix.CalibratedConfidence
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].issueType != keys[j].issueType {
			return keys[i].issueType < keys[j].issueType
		}
		return keys[i].severity < keys[j].severity
	})

	for _, k := range keys {
		g := groups[k]
		if g.count < m.settings.BatchPatternMinimum {
			continue
		}
		entry := patternEntry(g, policy.Name())
		result.Patterns = append(result.Patterns, entry)
		m.bus.Publish(events.Event{
			Type:   events.BatchPattern,
			Source: "review",
			Data: map[string]interface{}{
				"issue_type": k.issueType,
				"severity":   string(k.severity),
				"count":      g.count,
			},
			Payload: entry,
		})
	}

	log.Printf("✅ Batch review (%s): %d processed, %d approved, %d skipped, %d patterns",
		result.Policy, result.Processed, result.Approved, result.Skipped, len(result.Patterns))
	return result, nil
}

func patternEntry(g *group, policy string) types.KnowledgeEntry {
	return types.KnowledgeEntry{
		Type: types.KnowledgePattern,
		Content: fmt.Sprintf("%d %s issues of %s severity were auto-approved together under the %s policy",
			g.count, g.key.issueType, g.key.severity, policy),
		Source:     "review-batch",
		Confidence: g.confidence / float64(g.count),
		Tags:       []string{g.key.issueType, string(g.key.severity), "batch"},
		Metadata: map[string]string{
			"issue_type": g.key.issueType,
			"severity":   string(g.key.severity),
			"count":      strconv.Itoa(g.count),
			"policy":     policy,
		},
	}
}
