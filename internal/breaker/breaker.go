package breaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	apperrors "codeheal/internal/errors"
)

// State represents the state of a circuit breaker
type State int

const (
	Closed   State = iota // calls pass through
	Open                  // calls fail fast until the cooldown elapses
	HalfOpen              // a single probe call is allowed
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText lets State render by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settings controls when a breaker trips and how long it stays open.
type Settings struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

// DefaultSettings trips after five failures within a minute and probes after 30s.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
	}
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	OpenUntil   time.Time `json:"open_until,omitempty"`
}

// ChangeFunc is called after every state transition, outside the breaker lock.
type ChangeFunc func(name string, from, to State)

// Breaker guards calls to one named dependency.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time
	onChange ChangeFunc

	mu            sync.Mutex
	state         State
	failures      int
	streakStart   time.Time
	lastFailure   time.Time
	openUntil     time.Time
	probeInFlight bool
}

// New creates a closed breaker.
func New(name string, settings Settings) *Breaker {
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 1
	}
	return &Breaker{
		name:     name,
		settings: settings,
		now:      time.Now,
		state:    Closed,
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. In HALF_OPEN exactly one caller
// is admitted until that probe reports back.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var change func()
	defer func() {
		b.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Before(b.openUntil) {
			return b.openErr()
		}
		change = b.transition(HalfOpen)
		b.probeInFlight = true
		return nil
	case HalfOpen:
		if b.probeInFlight {
			return b.openErr()
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess resets the failure streak; a successful probe closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var change func()
	switch b.state {
	case HalfOpen:
		b.probeInFlight = false
		change = b.transition(Closed)
	case Closed:
		b.failures = 0
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

// RecordFailure extends the failure streak and trips the breaker once the
// threshold is reached inside the window. A failed probe reopens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var change func()
	now := b.now()
	b.lastFailure = now

	switch b.state {
	case Closed:
		if b.failures == 0 || (b.settings.Window > 0 && now.Sub(b.streakStart) > b.settings.Window) {
			b.failures = 0
			b.streakStart = now
		}
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			change = b.transition(Open)
		}
	case HalfOpen:
		b.probeInFlight = false
		b.failures++
		change = b.transition(Open)
	case Open:
		b.failures++
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

// release frees a half-open probe slot without judging the dependency.
func (b *Breaker) release() {
	b.mu.Lock()
	if b.state == HalfOpen {
		b.probeInFlight = false
	}
	b.mu.Unlock()
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:        b.name,
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		OpenUntil:   b.openUntil,
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
// Cancellation by the caller is not counted against the dependency.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		b.release()
	default:
		b.RecordFailure()
	}
	return err
}

// ExecuteWithFallback runs fn through the breaker and hands any failure,
// including a short-circuit, to fallback.
func (b *Breaker) ExecuteWithFallback(ctx context.Context, fn func(context.Context) error, fallback func(context.Context, error) error) error {
	err := b.Execute(ctx, fn)
	if err != nil && fallback != nil {
		return fallback(ctx, err)
	}
	return err
}

// Do is Execute for calls that return a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

func (b *Breaker) openErr() error {
	return fmt.Errorf("%s: %w", b.name, apperrors.ErrDependencyOpen)
}

// transition moves the breaker to next (must be called with lock held) and
// returns the notification to run once the lock is released.
func (b *Breaker) transition(next State) func() {
	prev := b.state
	if prev == next {
		return nil
	}
	b.state = next

	switch next {
	case Closed:
		b.failures = 0
		b.openUntil = time.Time{}
		log.Printf("✅ Circuit %s: %s → %s", b.name, prev, next)
	case Open:
		b.openUntil = b.now().Add(b.settings.Cooldown)
		log.Printf("🔌 Circuit %s: %s → %s (failures=%d, probe after %v)", b.name, prev, next, b.failures, b.settings.Cooldown)
	case HalfOpen:
		log.Printf("🔍 Circuit %s: %s → %s (probing)", b.name, prev, next)
	}

	if b.onChange == nil {
		return nil
	}
	fn, name := b.onChange, b.name
	return func() { fn(name, prev, next) }
}

// Registry hands out one shared breaker per dependency name.
type Registry struct {
	settings Settings
	mu       sync.Mutex
	breakers map[string]*Breaker
	onChange ChangeFunc
	now      func() time.Time
}

// NewRegistry creates a registry whose breakers use settings.
func NewRegistry(settings Settings) *Registry {
	return &Registry{
		settings: settings,
		breakers: make(map[string]*Breaker),
		now:      time.Now,
	}
}

// OnChange installs a transition hook on current and future breakers.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
	for _, b := range r.breakers {
		b.mu.Lock()
		b.onChange = fn
		b.mu.Unlock()
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.settings)
	b.now = r.now
	b.onChange = r.onChange
	r.breakers[name] = b
	return b
}

// Snapshots lists all breakers sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
