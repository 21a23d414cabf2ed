package capability

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Name identifies an optional collaborator
type Name string

const (
	FixGenerator     Name = "fix_generator"
	KafkaSink        Name = "kafka_sink"
	SystemSignals    Name = "system_signals"
	KnowledgeBackend Name = "knowledge_backend"
)

// Option is a handle to a collaborator that may be absent. Callers branch on Ok.
type Option[T any] struct {
	value  T
	ok     bool
	reason string
}

// Some wraps an available value
func Some[T any](v T) Option[T] {
	return Option[T]{value: v, ok: true}
}

// None records why a value is unavailable
func None[T any](reason string) Option[T] {
	return Option[T]{reason: reason}
}

// Ok reports whether the collaborator is available
func (o Option[T]) Ok() bool { return o.ok }

// Get returns the value and whether it is present
func (o Option[T]) Get() (T, bool) { return o.value, o.ok }

// Reason explains an absent value
func (o Option[T]) Reason() string { return o.reason }

// OrElse returns the value or def when absent
func (o Option[T]) OrElse(def T) T {
	if o.ok {
		return o.value
	}
	return def
}

// Status describes one registered capability
type Status struct {
	Name      Name   `json:"name"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

type entry struct {
	value  interface{}
	reason string
}

// Registry holds the optional collaborators resolved at startup
type Registry struct {
	mu      sync.RWMutex
	entries map[Name]entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Name]entry)}
}

// Provide registers an available collaborator
func (r *Registry) Provide(name Name, value interface{}) {
	if value == nil {
		r.Unavailable(name, "nil value")
		return
	}
	r.mu.Lock()
	r.entries[name] = entry{value: value}
	r.mu.Unlock()
	log.Printf("🔌 Capability available: %s", name)
}

// Unavailable records that a collaborator could not be resolved
func (r *Registry) Unavailable(name Name, reason string) {
	r.mu.Lock()
	r.entries[name] = entry{reason: reason}
	r.mu.Unlock()
	log.Printf("⚠️  Capability unavailable: %s (%s)", name, reason)
}

// Lookup returns a typed handle for name
func Lookup[T any](r *Registry, name Name) Option[T] {
	r.mu.RLock()
	e, found := r.entries[name]
	r.mu.RUnlock()

	if !found {
		return None[T]("not registered")
	}
	if e.value == nil {
		return None[T](e.reason)
	}
	v, ok := e.value.(T)
	if !ok {
		return None[T](fmt.Sprintf("registered as %T", e.value))
	}
	return Some(v)
}

// Statuses lists every registered capability sorted by name
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, Status{Name: name, Available: e.value != nil, Reason: e.reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
