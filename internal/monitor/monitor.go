package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"codeheal/types"
)

// Rule flags a regression when a signal crosses its threshold
type Rule struct {
	Signal    string  `json:"signal" yaml:"signal"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	// Above triggers on value > Threshold, otherwise on value < Threshold
	Above bool `json:"above" yaml:"above"`
}

// Violated reports whether the sample breaks the rule. Missing signals never do.
func (r Rule) Violated(s Signals) (bool, string) {
	v, ok := s[r.Signal]
	if !ok {
		return false, ""
	}
	if r.Above && v > r.Threshold {
		return true, fmt.Sprintf("%s=%.4g above %.4g", r.Signal, v, r.Threshold)
	}
	if !r.Above && v < r.Threshold {
		return true, fmt.Sprintf("%s=%.4g below %.4g", r.Signal, v, r.Threshold)
	}
	return false, ""
}

// DefaultRules treats any failing check and an elevated error rate as regressions
func DefaultRules(errorRateThreshold float64) []Rule {
	return []Rule{
		{Signal: "test_failures", Threshold: 0, Above: true},
		{Signal: "error_rate", Threshold: errorRateThreshold, Above: true},
	}
}

// Settings control the observation window
type Settings struct {
	Window       time.Duration
	PollInterval time.Duration
	// Resolve early after this many clean samples; 0 waits out the window
	StableSamples int
}

// Monitor watches an applied fix for regressions
type Monitor struct {
	source   Source
	rules    []Rule
	settings Settings
}

// New creates a monitor
func New(source Source, rules []Rule, settings Settings) *Monitor {
	if settings.Window <= 0 {
		settings.Window = 30 * time.Second
	}
	if settings.PollInterval <= 0 || settings.PollInterval > settings.Window {
		settings.PollInterval = settings.Window
	}
	return &Monitor{source: source, rules: rules, settings: settings}
}

// Window returns the configured observation window
func (m *Monitor) Window() time.Duration { return m.settings.Window }

// Watch samples signals until a rule is violated (rolled_back), the window
// elapses with clean samples (resolved), or the window elapses without a
// single successful sample (expired). A ctx deadline closes the window early
// and decides from the samples gathered so far; cancellation returns the
// context error.
func (m *Monitor) Watch(ctx context.Context, session *types.MonitoringSession) error {
	session.Window = m.settings.Window
	session.EndState = types.MonitoringActive
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}

	deadline := time.NewTimer(m.settings.Window)
	defer deadline.Stop()
	ticker := time.NewTicker(m.settings.PollInterval)
	defer ticker.Stop()

	clean := 0
	for {
		violated, ok := m.sample(ctx, session)
		if violated {
			m.finish(session, types.MonitoringRolledBack)
			log.Printf("🚨 Regression after fix %s: %v", session.FixID, session.Violations)
			return nil
		}
		if ok {
			clean++
		}
		if m.settings.StableSamples > 0 && clean >= m.settings.StableSamples {
			m.finish(session, types.MonitoringResolved)
			return nil
		}

		select {
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				m.finish(session, types.MonitoringExpired)
				return ctx.Err()
			}
			log.Printf("⏱️  Monitor: window for fix %s cut short after %d samples", session.FixID, len(session.Signals))
			m.close(session)
			return nil
		case <-deadline.C:
			// one last look before closing
			if violated, _ := m.sample(ctx, session); violated {
				m.finish(session, types.MonitoringRolledBack)
				log.Printf("🚨 Regression after fix %s: %v", session.FixID, session.Violations)
				return nil
			}
			m.close(session)
			return nil
		case <-ticker.C:
		}
	}
}

// sample records one observation and reports whether a rule was violated
// and whether the sample was collected at all.
func (m *Monitor) sample(ctx context.Context, session *types.MonitoringSession) (violated, ok bool) {
	signals, err := m.source.Collect(ctx)
	if err != nil {
		log.Printf("⚠️  Monitor: sample for fix %s failed: %v", session.FixID, err)
		return false, false
	}
	session.Signals = append(session.Signals, map[string]float64(signals))

	for _, r := range m.rules {
		if bad, why := r.Violated(signals); bad {
			session.Violations = append(session.Violations, why)
			violated = true
		}
	}
	return violated, true
}

// close ends a window that saw no violation
func (m *Monitor) close(session *types.MonitoringSession) {
	if len(session.Signals) == 0 {
		m.finish(session, types.MonitoringExpired)
	} else {
		m.finish(session, types.MonitoringResolved)
	}
}

func (m *Monitor) finish(session *types.MonitoringSession, state types.MonitoringEndState) {
	session.EndState = state
	session.Rollback = state == types.MonitoringRolledBack
	session.EndedAt = time.Now().UTC()
}
