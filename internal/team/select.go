// Package team picks groups of workers whose capabilities complement each
// other.
package team

import (
	"context"
	"fmt"

	"codeheal/internal/calibration"
	apperrors "codeheal/internal/errors"
)

// Worker is a candidate with a capability vector. Every worker in a
// selection must use the same dimensions.
type Worker struct {
	ID     string    `json:"id"`
	Skills []float64 `json:"skills"`
}

// Team is the result of a selection
type Team struct {
	Members []Worker `json:"members"`
	// Coverage is the sum over dimensions of the best member skill
	Coverage float64 `json:"coverage"`
	// Gains holds the marginal coverage each member added, in pick order
	Gains []float64 `json:"gains"`
}

// SelectComplementary picks up to k workers maximizing coverage. Each round
// adds the worker with the largest marginal gain, so the cost is O(k·n·d)
// and the result is within 1-1/e of the best k-subset. Selection stops early
// once no remaining worker adds coverage. Ties go to the earlier worker.
func SelectComplementary(workers []Worker, k int) (Team, error) {
	if k <= 0 {
		return Team{}, apperrors.NewValidationError("team size must be positive", map[string]interface{}{"k": k})
	}
	if len(workers) == 0 {
		return Team{Members: []Worker{}}, nil
	}
	dim := len(workers[0].Skills)
	for _, w := range workers {
		if len(w.Skills) != dim {
			return Team{}, apperrors.NewValidationError(
				fmt.Sprintf("worker %s has %d skills, want %d", w.ID, len(w.Skills), dim), nil)
		}
	}
	if k > len(workers) {
		k = len(workers)
	}

	cover := make([]float64, dim)
	used := make([]bool, len(workers))
	team := Team{Members: make([]Worker, 0, k)}

	for round := 0; round < k; round++ {
		best, bestGain := -1, 0.0
		for i, w := range workers {
			if used[i] {
				continue
			}
			gain := 0.0
			for d, s := range w.Skills {
				if s > cover[d] {
					gain += s - cover[d]
				}
			}
			if gain > bestGain {
				best, bestGain = i, gain
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		for d, s := range workers[best].Skills {
			if s > cover[d] {
				cover[d] = s
			}
		}
		team.Members = append(team.Members, workers[best])
		team.Gains = append(team.Gains, bestGain)
		team.Coverage += bestGain
	}
	return team, nil
}

// Reporter supplies calibration reports
type Reporter interface {
	Report(ctx context.Context, method, domain string) (calibration.Report, error)
}

// FromCalibration builds one worker per fix method whose skills are the
// observed success rates in each calibration domain. Buckets without
// samples score zero.
func FromCalibration(ctx context.Context, r Reporter, methods []string) ([]Worker, error) {
	workers := make([]Worker, 0, len(methods))
	for _, method := range methods {
		skills := make([]float64, len(calibration.Domains))
		for d, domain := range calibration.Domains {
			rep, err := r.Report(ctx, method, domain)
			if err != nil {
				return nil, fmt.Errorf("calibration report %s/%s: %w", method, domain, err)
			}
			if rep.SampleCount > 0 {
				skills[d] = rep.MeanActual
			}
		}
		workers = append(workers, Worker{ID: method, Skills: skills})
	}
	return workers, nil
}
