package risk

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"codeheal/internal/issues"
	"codeheal/types"
)

// Impact is the predicted blast radius of applying a fix
type Impact struct {
	// Score is 0-100; higher is riskier
	Score float64 `json:"score"`
	Level string  `json:"level"`
	// SuccessEstimate is the raw probability the fix lands cleanly
	SuccessEstimate float64            `json:"success_estimate"`
	Factors         map[string]float64 `json:"factors"`
}

// Predictor estimates impact before a fix is applied
type Predictor interface {
	Predict(ctx context.Context, issue types.Issue, fix *types.Fix) (Impact, error)
}

// HeuristicPredictor weighs severity, safety tier, patch size and how many
// other open issues share the file.
type HeuristicPredictor struct {
	Issues issues.Store
}

// NewHeuristicPredictor creates a predictor; store may be nil
func NewHeuristicPredictor(store issues.Store) *HeuristicPredictor {
	return &HeuristicPredictor{Issues: store}
}

// Predict scores the issue and, when present, its candidate fix
func (p *HeuristicPredictor) Predict(ctx context.Context, issue types.Issue, fix *types.Fix) (Impact, error) {
	factors := map[string]float64{
		"severity": issue.Severity.Weight() * 30,
	}

	if fix != nil {
		switch fix.Safety {
		case types.SafetySafe:
			factors["safety"] = 0
		case types.SafetyMedium:
			factors["safety"] = 15
		default:
			factors["safety"] = 35
		}
		factors["patch_size"] = math.Min(20, float64(patchLines(fix.Patch))*0.5)
	} else {
		// unknown fix: assume medium
		factors["safety"] = 15
	}

	if p.Issues != nil {
		open, err := p.Issues.ListIssues(ctx, issues.Filter{FilePath: issue.FilePath})
		if err != nil {
			return Impact{}, fmt.Errorf("failed to list issues for %s: %w", issue.FilePath, err)
		}
		siblings := 0
		for _, o := range open {
			if o.ID != issue.ID && !o.Status.Terminal() {
				siblings++
			}
		}
		factors["file_churn"] = math.Min(15, float64(siblings)*2)
	}

	score := 0.0
	for _, v := range factors {
		score += v
	}
	score = math.Min(100, score)

	impact := Impact{
		Score:           score,
		Level:           levelFor(score),
		SuccessEstimate: math.Max(0.05, 1-score/100),
		Factors:         factors,
	}
	log.Printf("📏 Impact for %s %s:%d: %.1f (%s)", issue.Type, issue.FilePath, issue.Line, impact.Score, impact.Level)
	return impact, nil
}

func patchLines(p types.Patch) int {
	removed := 0
	if p.StartLine > 0 {
		end := p.EndLine
		if end < p.StartLine {
			end = p.StartLine
		}
		removed = end - p.StartLine + 1
	}
	added := 0
	if p.Replacement != "" {
		added = strings.Count(strings.TrimSuffix(p.Replacement, "\n"), "\n") + 1
	}
	if p.StartLine == 0 {
		// full-file rewrite counts every line
		return added * 2
	}
	return removed + added
}

func levelFor(score float64) string {
	switch {
	case score >= 75:
		return "critical"
	case score >= 50:
		return "high"
	case score >= 25:
		return "medium"
	default:
		return "low"
	}
}
