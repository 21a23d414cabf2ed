package review

import (
	"fmt"

	apperrors "codeheal/internal/errors"
	"codeheal/types"
)

// Policy decides whether a pending issue may be approved without a human.
type Policy interface {
	Name() string
	Allow(issue *types.Issue, fix *types.Fix) bool
}

// SafeConfidentPolicy approves safe fixes whose calibrated confidence is
// strictly above Threshold.
type SafeConfidentPolicy struct {
	Threshold float64
}

func (p SafeConfidentPolicy) Name() string { return "safe_confident" }

func (p SafeConfidentPolicy) Allow(_ *types.Issue, fix *types.Fix) bool {
	return fix != nil && fix.Safety == types.SafetySafe && fix.CalibratedConfidence > p.Threshold
}

// AnyFixPolicy approves every issue that carries a fix, regardless of tier.
type AnyFixPolicy struct{}

func (AnyFixPolicy) Name() string { return "any_fix" }

func (AnyFixPolicy) Allow(_ *types.Issue, fix *types.Fix) bool {
	return fix != nil
}

// PolicyByName resolves a policy from its API name
func PolicyByName(name string, threshold float64) (Policy, error) {
	switch name {
	case "", "safe_confident":
		return SafeConfidentPolicy{Threshold: threshold}, nil
	case "any_fix":
		return AnyFixPolicy{}, nil
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown policy %q", name), nil)
	}
}
