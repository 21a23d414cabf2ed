package calibration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(t *testing.T, c *Calibrator, method, domain string, predicted float64, successes, failures int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < successes; i++ {
		require.NoError(t, c.RecordOutcome(ctx, "fix", predicted, true, Context{Method: method, Domain: domain}))
	}
	for i := 0; i < failures; i++ {
		require.NoError(t, c.RecordOutcome(ctx, "fix", predicted, false, Context{Method: method, Domain: domain}))
	}
}

func TestCalibrate_NoSamplesPassesThrough(t *testing.T) {
	c := New(NewMemoryHistory(), 10)
	got, err := c.Calibrate(context.Background(), 0.73, Context{Method: "llm", Domain: "style"})
	require.NoError(t, err)
	assert.Equal(t, 0.73, got)
}

func TestCalibrate_BlendWeightGrowsWithSamples(t *testing.T) {
	c := New(NewMemoryHistory(), 10)
	ctx := context.Background()
	cc := Context{Method: "llm", Domain: "style"}

	// 10 samples, all failures: w = 10/20 = 0.5
	record(t, c, "llm", "style", 0.9, 0, 10)
	got, err := c.Calibrate(ctx, 0.9, cc)
	require.NoError(t, err)
	assert.InDelta(t, 0.45, got, 1e-9)

	// 30 samples: w = 30/40 = 0.75, empirical 0
	record(t, c, "llm", "style", 0.9, 0, 20)
	got, err = c.Calibrate(ctx, 0.9, cc)
	require.NoError(t, err)
	assert.InDelta(t, 0.225, got, 1e-9)
}

func TestCalibrate_NearestBucketFallback(t *testing.T) {
	c := New(NewMemoryHistory(), 10)
	ctx := context.Background()

	record(t, c, "knowledge", "style", 0.8, 10, 0)

	// Unknown domain for a known method uses the method bucket
	got, err := c.Calibrate(ctx, 0.5, Context{Method: "knowledge", Domain: "markup"})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got, 1e-9)

	// Unknown method in a known domain uses the domain bucket
	got, err = c.Calibrate(ctx, 0.5, Context{Method: "llm", Domain: "style"})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got, 1e-9)

	// Nothing shared at all passes through
	got, err = c.Calibrate(ctx, 0.5, Context{Method: "llm", Domain: "markup"})
	require.NoError(t, err)
	assert.Equal(t, 0.5, got)
}

func TestCalibrate_StaysInUnitInterval(t *testing.T) {
	c := New(NewMemoryHistory(), 1)
	record(t, c, "llm", "style", 1.0, 5, 0)

	got, err := c.Calibrate(context.Background(), 1.0, Context{Method: "llm", Domain: "style"})
	require.NoError(t, err)
	assert.LessOrEqual(t, got, 1.0)
	assert.GreaterOrEqual(t, got, 0.0)
}

func TestRecordOutcome_Validation(t *testing.T) {
	c := New(NewMemoryHistory(), 10)
	ctx := context.Background()

	assert.Error(t, c.RecordOutcome(ctx, "f", 1.5, true, Context{Method: "llm", Domain: "style"}))
	assert.Error(t, c.RecordOutcome(ctx, "f", 0.5, true, Context{Method: "llm"}))
}

func TestReport(t *testing.T) {
	c := New(NewMemoryHistory(), 10)
	record(t, c, "llm", "style", 0.8, 3, 1)
	record(t, c, "llm", "markup", 0.6, 0, 2)

	rep, err := c.Report(context.Background(), "llm", "style")
	require.NoError(t, err)
	assert.Equal(t, 4, rep.SampleCount)
	assert.InDelta(t, 0.8, rep.MeanPredicted, 1e-9)
	assert.InDelta(t, 0.75, rep.MeanActual, 1e-9)
	// |0.8-1|×3 + |0.8-0|×1 = 1.4 over 4
	assert.InDelta(t, 0.35, rep.CalibrationError, 1e-9)
	assert.InDelta(t, -0.05, rep.Bias, 1e-9)

	all, err := c.Report(context.Background(), "llm", "")
	require.NoError(t, err)
	assert.Equal(t, 6, all.SampleCount)

	empty, err := c.Report(context.Background(), "rule", "style")
	require.NoError(t, err)
	assert.Zero(t, empty.SampleCount)
}

func TestSQLiteHistory_MatchesMemory(t *testing.T) {
	ctx := context.Background()
	h, err := OpenSQLiteHistory(ctx, filepath.Join(t.TempDir(), "cal.db"))
	require.NoError(t, err)
	defer h.Close()

	sqlCal := New(h, 10)
	memCal := New(NewMemoryHistory(), 10)
	for _, c := range []*Calibrator{sqlCal, memCal} {
		record(t, c, "llm", "style", 0.8, 3, 1)
		record(t, c, "knowledge", "style", 0.6, 1, 1)
	}

	for _, q := range []Context{{"llm", "style"}, {"", "style"}, {"knowledge", ""}, {"none", "none"}} {
		want, err := memCal.Report(ctx, q.Method, q.Domain)
		require.NoError(t, err)
		got, err := sqlCal.Report(ctx, q.Method, q.Domain)
		require.NoError(t, err)

		assert.Equal(t, want.SampleCount, got.SampleCount, "bucket %+v", q)
		assert.InDelta(t, want.MeanPredicted, got.MeanPredicted, 1e-9)
		assert.InDelta(t, want.MeanActual, got.MeanActual, 1e-9)
		assert.InDelta(t, want.CalibrationError, got.CalibrationError, 1e-9)
	}
}

func TestDomainFor(t *testing.T) {
	assert.Equal(t, "style", DomainFor("magic_number"))
	assert.Equal(t, "correctness", DomainFor("unchecked_error"))
	assert.Equal(t, "general", DomainFor("something_new"))
}
