package calibration

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	apperrors "codeheal/internal/errors"
	"codeheal/types"
)

// Context identifies the bucket a prediction belongs to
type Context struct {
	Method string `json:"method"`
	Domain string `json:"domain"`
}

// Report describes how well predictions in a bucket matched outcomes
type Report struct {
	Method string `json:"method,omitempty"`
	Domain string `json:"domain,omitempty"`
	Stats
	// Bias is meanActual - meanPredicted; negative means over-confident.
	Bias float64 `json:"bias"`
}

// Calibrator blends raw confidence with observed success rates.
type Calibrator struct {
	history History
	// Sample count at which empirical and raw scores weigh equally
	fullTrust int
	now       func() time.Time
}

// New creates a calibrator over history
func New(history History, fullTrustSamples int) *Calibrator {
	if fullTrustSamples < 1 {
		fullTrustSamples = 20
	}
	return &Calibrator{history: history, fullTrust: fullTrustSamples, now: time.Now}
}

// Calibrate returns w·empirical + (1−w)·raw for the nearest non-empty
// bucket, with w = n/(n+fullTrust). With no samples raw is returned unchanged.
func (c *Calibrator) Calibrate(ctx context.Context, raw float64, cc Context) (float64, error) {
	stats, err := c.nearest(ctx, cc)
	if err != nil {
		return raw, err
	}
	if stats.SampleCount == 0 {
		return raw, nil
	}

	n := float64(stats.SampleCount)
	w := n / (n + float64(c.fullTrust))
	return clamp01(w*stats.MeanActual + (1-w)*raw), nil
}

// nearest falls back from the exact bucket to method-only, then domain-only.
func (c *Calibrator) nearest(ctx context.Context, cc Context) (Stats, error) {
	candidates := []Context{cc}
	if cc.Domain != "" {
		candidates = append(candidates, Context{Method: cc.Method})
	}
	if cc.Method != "" {
		candidates = append(candidates, Context{Domain: cc.Domain})
	}

	for _, cand := range candidates {
		if cand.Method == "" && cand.Domain == "" {
			continue
		}
		stats, err := c.history.Stats(ctx, cand.Method, cand.Domain)
		if err != nil {
			return Stats{}, fmt.Errorf("calibration lookup: %w", err)
		}
		if stats.SampleCount > 0 {
			return stats, nil
		}
	}
	return Stats{}, nil
}

// RecordOutcome appends one (predicted, actual) pair
func (c *Calibrator) RecordOutcome(ctx context.Context, fixID string, predicted float64, success bool, cc Context) error {
	if predicted < 0 || predicted > 1 || math.IsNaN(predicted) {
		return apperrors.NewValidationError("predicted confidence must be within [0,1]", map[string]interface{}{"predicted": predicted})
	}
	if cc.Method == "" || cc.Domain == "" {
		return apperrors.NewValidationError("method and domain are required", nil)
	}

	rec := types.CalibrationRecord{
		FixID:     fixID,
		Method:    cc.Method,
		Domain:    cc.Domain,
		Predicted: predicted,
		Actual:    success,
		Timestamp: c.now().UTC(),
	}
	if err := c.history.Append(ctx, rec); err != nil {
		return err
	}
	log.Printf("📏 Calibration outcome recorded: %s/%s predicted=%.2f success=%v", cc.Method, cc.Domain, predicted, success)
	return nil
}

// Report summarizes a bucket. Empty method or domain aggregate across all values.
func (c *Calibrator) Report(ctx context.Context, method, domain string) (Report, error) {
	stats, err := c.history.Stats(ctx, method, domain)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Method: method,
		Domain: domain,
		Stats:  stats,
		Bias:   stats.MeanActual - stats.MeanPredicted,
	}, nil
}

// Close releases the history
func (c *Calibrator) Close() error {
	return c.history.Close()
}

// Domains lists every value DomainFor can return
var Domains = []string{"complexity", "style", "correctness", "markup", "security", "general"}

// DomainFor groups issue types into calibration domains
func DomainFor(issueType string) string {
	switch issueType {
	case "long_function", "deep_nesting", "empty_function":
		return "complexity"
	case "long_line", "todo_comment", "magic_number":
		return "style"
	case "unchecked_error", "empty_catch", "library_panic":
		return "correctness"
	case "deprecated_html", "inline_script", "missing_alt":
		return "markup"
	case "hardcoded_secret":
		return "security"
	default:
		return "general"
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
