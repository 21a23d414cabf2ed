package types

import (
	"strings"
	"time"
)

// ============================================================================
// ISSUES
// ============================================================================

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ValidSeverity reports whether s is one of the four known severities.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Weight maps a severity onto [0,1] for scoring.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.75
	case SeverityMedium:
		return 0.5
	default:
		return 0.25
	}
}

type IssueStatus string

const (
	StatusDetected      IssueStatus = "detected"
	StatusPendingReview IssueStatus = "pending_review"
	StatusApproved      IssueStatus = "approved"
	StatusRejected      IssueStatus = "rejected"
	StatusDeferred      IssueStatus = "deferred"
	StatusFixApplied    IssueStatus = "fix_applied"
	StatusMonitoring    IssueStatus = "monitoring"
	StatusResolved      IssueStatus = "resolved"
	StatusRolledBack    IssueStatus = "rolled_back"
)

// Terminal reports whether no further transitions are possible without a reopen.
func (s IssueStatus) Terminal() bool {
	switch s {
	case StatusResolved, StatusRolledBack, StatusRejected, StatusDeferred:
		return true
	}
	return false
}

type Issue struct {
	ID          string            `json:"id"`
	FilePath    string            `json:"file"`
	Line        int               `json:"line"`
	EndLine     int               `json:"end_line,omitempty"`
	Column      int               `json:"column,omitempty"`
	Type        string            `json:"type"`
	Severity    Severity          `json:"severity"`
	Message     string            `json:"message"`
	Tags        []string          `json:"tags,omitempty"`
	Detector    string            `json:"detector,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	DetectedAt  time.Time         `json:"detected_at"`
	Status      IssueStatus       `json:"status"`
	Resolution  map[string]string `json:"resolution,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ============================================================================
// FIXES
// ============================================================================

type SafetyTier string

const (
	SafetySafe   SafetyTier = "safe"
	SafetyMedium SafetyTier = "medium"
	SafetyRisky  SafetyTier = "risky"
)

// Patch is the generated replacement. A zero StartLine means the whole file is replaced.
type Patch struct {
	FilePath    string `json:"file"`
	StartLine   int    `json:"start_line,omitempty"`
	EndLine     int    `json:"end_line,omitempty"`
	Replacement string `json:"replacement"`
	// Original is the text of lines StartLine..EndLine when the patch was made
	Original string `json:"original,omitempty"`
}

// FullFile reports whether the patch replaces the whole file
func (p Patch) FullFile() bool { return p.StartLine == 0 }

// Span is the number of lines a range patch replaces, 0 for full-file patches.
func (p Patch) Span() int {
	if p.FullFile() {
		return 0
	}
	return max(p.EndLine, p.StartLine) - p.StartLine + 1
}

// SourceLines returns lines start..end (1-based, inclusive) of content.
// ok is false when the range falls outside the content.
func SourceLines(content string, start, end int) (string, bool) {
	if end < start {
		end = start
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if start < 1 || end > len(lines) {
		return "", false
	}
	return strings.Join(lines[start-1:end], "\n"), true
}

// SameLines compares two blocks of source ignoring per-line indentation
// and trailing whitespace.
func SameLines(a, b string) bool {
	la, lb := strings.Split(a, "\n"), strings.Split(b, "\n")
	if len(la) != len(lb) {
		return false
	}
	for i := range la {
		if strings.TrimSpace(la[i]) != strings.TrimSpace(lb[i]) {
			return false
		}
	}
	return true
}

type Fix struct {
	ID                   string     `json:"id"`
	IssueID              string     `json:"issue_id"`
	Patch                Patch      `json:"patch"`
	Safety               SafetyTier `json:"safety"`
	RawConfidence        float64    `json:"raw_confidence"`
	CalibratedConfidence float64    `json:"confidence"`
	Method               string     `json:"method"`
	Explanation          string     `json:"explanation,omitempty"`
	KnowledgeID          string     `json:"knowledge_id,omitempty"`
	Active               bool       `json:"active"`
	Applied              bool       `json:"applied"`
	Reverted             bool       `json:"reverted"`
	CreatedAt            time.Time  `json:"created_at"`
}

// ============================================================================
// REVIEW
// ============================================================================

type ReviewAction string

const (
	ActionSubmit   ReviewAction = "submit"
	ActionApprove  ReviewAction = "approve"
	ActionReject   ReviewAction = "reject"
	ActionDefer    ReviewAction = "defer"
	ActionApply    ReviewAction = "apply"
	ActionMonitor  ReviewAction = "monitor"
	ActionResolve  ReviewAction = "resolve"
	ActionRollback ReviewAction = "rollback"
	ActionReopen   ReviewAction = "reopen"
)

// ReviewDecision is append-only.
type ReviewDecision struct {
	ID        string       `json:"id"`
	IssueID   string       `json:"issue_id"`
	Action    ReviewAction `json:"action"`
	From      IssueStatus  `json:"from"`
	To        IssueStatus  `json:"to"`
	Notes     string       `json:"notes,omitempty"`
	Actor     string       `json:"actor"`
	Timestamp time.Time    `json:"timestamp"`
}

// ============================================================================
// KNOWLEDGE
// ============================================================================

type KnowledgeType string

const (
	KnowledgePattern KnowledgeType = "pattern"
	KnowledgeFix     KnowledgeType = "fix"
)

type KnowledgeEntry struct {
	ID         string            `json:"id"`
	Type       KnowledgeType     `json:"type"`
	Content    string            `json:"content"`
	Source     string            `json:"source"`
	Confidence float64           `json:"confidence"`
	UsageCount int               `json:"usage_count"`
	Successes  int               `json:"successes"`
	Tags       []string          `json:"tags,omitempty"`
	Embedding  []float32         `json:"embedding,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// SuccessRate is derived from recorded usage and is never stored on its own.
func (k *KnowledgeEntry) SuccessRate() float64 {
	if k.UsageCount == 0 {
		return 0
	}
	return float64(k.Successes) / float64(k.UsageCount)
}

// ============================================================================
// CALIBRATION & MONITORING
// ============================================================================

type CalibrationRecord struct {
	FixID     string    `json:"fix_id"`
	Method    string    `json:"method"`
	Domain    string    `json:"domain"`
	Predicted float64   `json:"predicted"`
	Actual    bool      `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
}

type MonitoringEndState string

const (
	MonitoringActive     MonitoringEndState = "active"
	MonitoringResolved   MonitoringEndState = "resolved"
	MonitoringRolledBack MonitoringEndState = "rolled_back"
	MonitoringExpired    MonitoringEndState = "expired"
)

type MonitoringSession struct {
	ID         string               `json:"id"`
	FixID      string               `json:"fix_id"`
	IssueID    string               `json:"issue_id"`
	StartedAt  time.Time            `json:"started_at"`
	EndedAt    time.Time            `json:"ended_at,omitempty"`
	Window     time.Duration        `json:"window"`
	Signals    []map[string]float64 `json:"signals,omitempty"`
	Violations []string             `json:"violations,omitempty"`
	Rollback   bool                 `json:"rollback"`
	EndState   MonitoringEndState   `json:"end_state"`
}
