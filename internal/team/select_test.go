package team

import (
	"context"
	"testing"

	"codeheal/internal/calibration"
	apperrors "codeheal/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func ids(t Team) []string {
	out := make([]string, len(t.Members))
	for i, m := range t.Members {
		out[i] = m.ID
	}
	return out
}

func TestSelectComplementary_PrefersCoverageOverStrength(t *testing.T) {
	workers := []Worker{
		{ID: "generalist", Skills: []float64{0.9, 0.9, 0}},
		{ID: "clone", Skills: []float64{0.85, 0.85, 0}},
		{ID: "specialist", Skills: []float64{0, 0, 0.7}},
	}

	team, err := SelectComplementary(workers, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"generalist", "specialist"}, ids(team))
	assert.InDelta(t, 2.5, team.Coverage, 1e-9)
	assert.InDeltaSlice(t, []float64{1.8, 0.7}, team.Gains, 1e-9)
}

func TestSelectComplementary_StopsWhenNothingAdds(t *testing.T) {
	workers := []Worker{
		{ID: "a", Skills: []float64{1, 1}},
		{ID: "b", Skills: []float64{0.5, 0.5}},
		{ID: "c", Skills: []float64{0, 0}},
	}
	team, err := SelectComplementary(workers, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(team))
}

func TestSelectComplementary_TiesKeepInputOrder(t *testing.T) {
	workers := []Worker{
		{ID: "first", Skills: []float64{0.5, 0}},
		{ID: "second", Skills: []float64{0, 0.5}},
	}
	team, err := SelectComplementary(workers, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, ids(team))
}

func TestSelectComplementary_Validation(t *testing.T) {
	_, err := SelectComplementary([]Worker{{ID: "a"}}, 0)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.FromError(err).Type)

	_, err = SelectComplementary([]Worker{{ID: "a", Skills: []float64{1}}, {ID: "b", Skills: []float64{1, 2}}}, 1)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.FromError(err).Type)

	team, err := SelectComplementary(nil, 3)
	require.NoError(t, err)
	assert.Empty(t, team.Members)
}

func TestFromCalibration_UsesObservedSuccess(t *testing.T) {
	ctx := context.Background()
	cal := calibration.New(calibration.NewMemoryHistory(), 20)
	require.NoError(t, cal.RecordOutcome(ctx, "f1", 0.8, true, calibration.Context{Method: "llm:anthropic", Domain: "style"}))
	require.NoError(t, cal.RecordOutcome(ctx, "f2", 0.8, false, calibration.Context{Method: "llm:anthropic", Domain: "style"}))
	require.NoError(t, cal.RecordOutcome(ctx, "f3", 0.6, true, calibration.Context{Method: "llm:gemini", Domain: "security"}))

	workers, err := FromCalibration(ctx, cal, []string{"llm:anthropic", "llm:gemini"})
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Len(t, workers[0].Skills, len(calibration.Domains))

	idx := func(domain string) int {
		for i, d := range calibration.Domains {
			if d == domain {
				return i
			}
		}
		return -1
	}
	assert.InDelta(t, 0.5, workers[0].Skills[idx("style")], 1e-9)
	assert.Equal(t, 0.0, workers[0].Skills[idx("security")])
	assert.Equal(t, 1.0, workers[1].Skills[idx("security")])

	team, err := SelectComplementary(workers, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"llm:gemini", "llm:anthropic"}, ids(team))
}

type mockReporter struct{ mock.Mock }

func (m *mockReporter) Report(ctx context.Context, method, domain string) (calibration.Report, error) {
	args := m.Called(method, domain)
	return args.Get(0).(calibration.Report), args.Error(1)
}

func TestFromCalibration_PropagatesReportErrors(t *testing.T) {
	r := &mockReporter{}
	r.On("Report", "knowledge", calibration.Domains[0]).Return(calibration.Report{}, assert.AnError).Once()

	_, err := FromCalibration(context.Background(), r, []string{"knowledge"})
	assert.ErrorIs(t, err, assert.AnError)
	r.AssertExpectations(t)
}

func TestFromCalibration_EmptyBucketsScoreZero(t *testing.T) {
	r := &mockReporter{}
	r.On("Report", "knowledge", "security").Return(calibration.Report{Stats: calibration.Stats{SampleCount: 4, MeanActual: 0.75}}, nil)
	r.On("Report", "knowledge", mock.Anything).Return(calibration.Report{}, nil)

	workers, err := FromCalibration(context.Background(), r, []string{"knowledge"})
	require.NoError(t, err)
	require.Len(t, workers, 1)
	for d, domain := range calibration.Domains {
		if domain == "security" {
			assert.Equal(t, 0.75, workers[0].Skills[d])
		} else {
			assert.Zero(t, workers[0].Skills[d])
		}
	}
}
