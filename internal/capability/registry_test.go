package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeter interface{ Greet() string }

type english struct{}

func (english) Greet() string { return "hello" }

func TestLookup_Available(t *testing.T) {
	r := NewRegistry()
	r.Provide(FixGenerator, english{})

	opt := Lookup[greeter](r, FixGenerator)
	require.True(t, opt.Ok())
	g, ok := opt.Get()
	require.True(t, ok)
	assert.Equal(t, "hello", g.Greet())
	assert.Empty(t, opt.Reason())
}

func TestLookup_UnavailableBranches(t *testing.T) {
	r := NewRegistry()
	r.Unavailable(KafkaSink, "no brokers configured")
	r.Provide(SystemSignals, 42)
	r.Provide(KnowledgeBackend, nil)

	sink := Lookup[greeter](r, KafkaSink)
	assert.False(t, sink.Ok())
	assert.Equal(t, "no brokers configured", sink.Reason())

	missing := Lookup[greeter](r, FixGenerator)
	assert.False(t, missing.Ok())
	assert.Equal(t, "not registered", missing.Reason())

	wrong := Lookup[greeter](r, SystemSignals)
	assert.False(t, wrong.Ok())
	assert.Contains(t, wrong.Reason(), "int")

	assert.Equal(t, "nil value", Lookup[greeter](r, KnowledgeBackend).Reason())
	assert.Equal(t, 7, Lookup[int](r, FixGenerator).OrElse(7))
	assert.Equal(t, 42, Lookup[int](r, SystemSignals).OrElse(7))
}

func TestStatuses_Sorted(t *testing.T) {
	r := NewRegistry()
	r.Unavailable(SystemSignals, "disabled")
	r.Provide(FixGenerator, english{})

	st := r.Statuses()
	require.Len(t, st, 2)
	assert.Equal(t, Status{Name: FixGenerator, Available: true}, st[0])
	assert.Equal(t, Status{Name: SystemSignals, Reason: "disabled"}, st[1])
}
