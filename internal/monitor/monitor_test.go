package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"codeheal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(samples ...Signals) Source {
	var i atomic.Int32
	return FuncSource{SourceName: "seq", Fn: func(context.Context) (Signals, error) {
		n := int(i.Add(1)) - 1
		if n >= len(samples) {
			n = len(samples) - 1
		}
		return samples[n], nil
	}}
}

func TestRule_Violated(t *testing.T) {
	above := Rule{Signal: "error_rate", Threshold: 0.05, Above: true}
	bad, why := above.Violated(Signals{"error_rate": 0.2})
	assert.True(t, bad)
	assert.Contains(t, why, "error_rate")

	bad, _ = above.Violated(Signals{"error_rate": 0.05})
	assert.False(t, bad)
	bad, _ = above.Violated(Signals{"cpu_percent": 99})
	assert.False(t, bad, "missing signal never violates")

	below := Rule{Signal: "throughput", Threshold: 10}
	bad, _ = below.Violated(Signals{"throughput": 3})
	assert.True(t, bad)
}

func TestWatch_RollsBackOnRegression(t *testing.T) {
	src := sequence(Signals{"test_failures": 0}, Signals{"test_failures": 1})
	m := New(src, DefaultRules(0.05), Settings{Window: time.Second, PollInterval: 5 * time.Millisecond})

	session := &types.MonitoringSession{FixID: "fix-1"}
	require.NoError(t, m.Watch(context.Background(), session))

	assert.Equal(t, types.MonitoringRolledBack, session.EndState)
	assert.True(t, session.Rollback)
	assert.Len(t, session.Signals, 2)
	require.Len(t, session.Violations, 1)
	assert.Contains(t, session.Violations[0], "test_failures")
	assert.False(t, session.EndedAt.IsZero())
}

func TestWatch_ResolvesAfterCleanWindow(t *testing.T) {
	m := New(sequence(Signals{"test_failures": 0, "error_rate": 0.01}), DefaultRules(0.05),
		Settings{Window: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})

	session := &types.MonitoringSession{FixID: "fix-2"}
	require.NoError(t, m.Watch(context.Background(), session))
	assert.Equal(t, types.MonitoringResolved, session.EndState)
	assert.False(t, session.Rollback)
	assert.GreaterOrEqual(t, len(session.Signals), 2)
	assert.Equal(t, 30*time.Millisecond, session.Window)
}

func TestWatch_StableSamplesResolveEarly(t *testing.T) {
	m := New(sequence(Signals{"test_failures": 0}), DefaultRules(0.05),
		Settings{Window: time.Hour, PollInterval: time.Millisecond, StableSamples: 3})

	session := &types.MonitoringSession{}
	require.NoError(t, m.Watch(context.Background(), session))
	assert.Equal(t, types.MonitoringResolved, session.EndState)
	assert.Len(t, session.Signals, 3)
}

func TestWatch_ExpiresWithoutSamples(t *testing.T) {
	broken := FuncSource{SourceName: "broken", Fn: func(context.Context) (Signals, error) {
		return nil, errors.New("no data")
	}}
	m := New(broken, DefaultRules(0.05), Settings{Window: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond})

	session := &types.MonitoringSession{}
	require.NoError(t, m.Watch(context.Background(), session))
	assert.Equal(t, types.MonitoringExpired, session.EndState)
	assert.Empty(t, session.Signals)
}

func TestWatch_Cancelled(t *testing.T) {
	m := New(sequence(Signals{"test_failures": 0}), DefaultRules(0.05), Settings{Window: time.Hour, PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := &types.MonitoringSession{}
	err := m.Watch(ctx, session)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.MonitoringExpired, session.EndState)
}

func TestWatch_DeadlineClosesWithSamplesSoFar(t *testing.T) {
	m := New(sequence(Signals{"test_failures": 0}), DefaultRules(0.05), Settings{Window: time.Hour, PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	session := &types.MonitoringSession{FixID: "fix-3"}
	require.NoError(t, m.Watch(ctx, session))
	assert.Equal(t, types.MonitoringResolved, session.EndState)
	assert.False(t, session.Rollback)
	assert.NotEmpty(t, session.Signals)

	broken := FuncSource{SourceName: "broken", Fn: func(context.Context) (Signals, error) {
		return nil, errors.New("no data")
	}}
	m = New(broken, DefaultRules(0.05), Settings{Window: time.Hour, PollInterval: 5 * time.Millisecond})
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()

	session = &types.MonitoringSession{FixID: "fix-4"}
	require.NoError(t, m.Watch(ctx2, session))
	assert.Equal(t, types.MonitoringExpired, session.EndState)
}

func TestCommandSource(t *testing.T) {
	ok := CommandSource{Command: []string{"sh", "-c", "exit 0"}}
	sig, err := ok.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, sig["test_failures"])

	failing := CommandSource{Command: []string{"sh", "-c", "echo broken; exit 2"}}
	sig, err = failing.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, sig["test_failures"])

	_, err = CommandSource{}.Collect(context.Background())
	assert.Error(t, err)

	_, err = CommandSource{Command: []string{"/definitely/not/here"}}.Collect(context.Background())
	assert.Error(t, err)
}

func TestComposite(t *testing.T) {
	good := FuncSource{SourceName: "good", Fn: func(context.Context) (Signals, error) { return Signals{"a": 1}, nil }}
	bad := FuncSource{SourceName: "bad", Fn: func(context.Context) (Signals, error) { return nil, errors.New("x") }}

	sig, err := Composite{good, bad}.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Signals{"a": 1}, sig)

	_, err = Composite{bad, bad}.Collect(context.Background())
	assert.Error(t, err)
}

func TestSystemSource(t *testing.T) {
	sig, err := SystemSource{}.Collect(context.Background())
	require.NoError(t, err)
	assert.Contains(t, sig, "memory_percent")
}
