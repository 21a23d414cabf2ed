package issues

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"codeheal/internal/database"
	"codeheal/types"

	"github.com/google/uuid"
)

// SQLiteStore implements Store using modernc.org/sqlite
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore opens (or creates) the issue database at path
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := database.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// NewSQLiteStore wraps an already migrated database handle
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// DB exposes the handle so other stores can share the connection
func (s *SQLiteStore) DB() *sql.DB { return s.db }

const issueColumns = `id, file_path, line, end_line, col, type, severity, message, tags, detector, fingerprint, status, resolution, detected_at, updated_at`

func (s *SQLiteStore) CreateIssue(ctx context.Context, issue *types.Issue) error {
	if err := prepareIssue(issue, s.now().UTC()); err != nil {
		return err
	}
	tags, _ := json.Marshal(nonNilTags(issue.Tags))
	resolution, _ := json.Marshal(nonNilMap(issue.Resolution))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issues (`+issueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.FilePath, issue.Line, issue.EndLine, issue.Column, issue.Type, string(issue.Severity),
		issue.Message, string(tags), issue.Detector, issue.Fingerprint, string(issue.Status), string(resolution),
		issue.DetectedAt, issue.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*types.Issue, error) {
	i := &types.Issue{}
	var severity, status, tags, resolution string
	if err := row.Scan(&i.ID, &i.FilePath, &i.Line, &i.EndLine, &i.Column, &i.Type, &severity, &i.Message,
		&tags, &i.Detector, &i.Fingerprint, &status, &resolution, &i.DetectedAt, &i.UpdatedAt); err != nil {
		return nil, err
	}
	i.Severity = types.Severity(severity)
	i.Status = types.IssueStatus(status)
	if err := json.Unmarshal([]byte(tags), &i.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(resolution), &i.Resolution); err != nil {
		return nil, fmt.Errorf("decode resolution: %w", err)
	}
	if len(i.Tags) == 0 {
		i.Tags = nil
	}
	if len(i.Resolution) == 0 {
		i.Resolution = nil
	}
	return i, nil
}

func (s *SQLiteStore) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	i, err := scanIssue(s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("issue", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return i, nil
}

func (s *SQLiteStore) ListIssues(ctx context.Context, filter Filter) ([]*types.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues`
	var conditions []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.FilePath != "" {
		conditions = append(conditions, "file_path = ?")
		args = append(args, filter.FilePath)
	}
	if filter.Fingerprint != "" {
		conditions = append(conditions, "fingerprint = ?")
		args = append(args, filter.Fingerprint)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY detected_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// Transition updates status only if it still equals from, and appends the
// decision in the same transaction.
func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to types.IssueStatus, decision *types.ReviewDecision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE issues SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), now, id, string(from))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM issues WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return notFound("issue", id)
		}
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		return invalidTransition(id, from, types.IssueStatus(current))
	}

	if decision != nil {
		d := *decision
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = now
		}
		d.IssueID, d.From, d.To = id, from, to

		_, err = tx.ExecContext(ctx,
			`INSERT INTO review_decisions (id, seq, issue_id, action, from_status, to_status, notes, actor, created_at)
			VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM review_decisions WHERE issue_id = ?), ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, id, id, string(d.Action), string(d.From), string(d.To), d.Notes, d.Actor, d.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		*decision = d
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetResolution(ctx context.Context, id string, resolution map[string]string) error {
	issue, err := s.GetIssue(ctx, id)
	if err != nil {
		return err
	}
	merged := nonNilMap(issue.Resolution)
	for k, v := range resolution {
		merged[k] = v
	}
	data, _ := json.Marshal(merged)
	_, err = s.db.ExecContext(ctx, `UPDATE issues SET resolution = ?, updated_at = ? WHERE id = ?`, string(data), s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update resolution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, issueID string) ([]*types.ReviewDecision, error) {
	if _, err := s.GetIssue(ctx, issueID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, issue_id, action, from_status, to_status, notes, actor, created_at
		FROM review_decisions WHERE issue_id = ? ORDER BY seq`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ReviewDecision
	for rows.Next() {
		d := &types.ReviewDecision{}
		var action, from, to string
		if err := rows.Scan(&d.ID, &d.IssueID, &action, &from, &to, &d.Notes, &d.Actor, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Action = types.ReviewAction(action)
		d.From = types.IssueStatus(from)
		d.To = types.IssueStatus(to)
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveFix stores fix as the active fix, retiring any previous one.
func (s *SQLiteStore) SaveFix(ctx context.Context, fix *types.Fix) error {
	if err := prepareFix(fix, s.now().UTC()); err != nil {
		return err
	}
	if _, err := s.GetIssue(ctx, fix.IssueID); err != nil {
		return err
	}
	patch, err := json.Marshal(fix.Patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save fix: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE fixes SET active = 0 WHERE issue_id = ?`, fix.IssueID); err != nil {
		return fmt.Errorf("retire fixes: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO fixes (id, issue_id, patch, safety, raw_confidence, calibrated_confidence, method, explanation, knowledge_id, active, applied, reverted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		fix.ID, fix.IssueID, string(patch), string(fix.Safety), fix.RawConfidence, fix.CalibratedConfidence,
		fix.Method, fix.Explanation, fix.KnowledgeID, database.BoolToInt(fix.Applied), database.BoolToInt(fix.Reverted), fix.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fix: %w", err)
	}
	return tx.Commit()
}

const fixColumns = `id, issue_id, patch, safety, raw_confidence, calibrated_confidence, method, explanation, knowledge_id, active, applied, reverted, created_at`

func scanFix(row rowScanner) (*types.Fix, error) {
	f := &types.Fix{}
	var patch, safety string
	var active, applied, reverted int
	if err := row.Scan(&f.ID, &f.IssueID, &patch, &safety, &f.RawConfidence, &f.CalibratedConfidence,
		&f.Method, &f.Explanation, &f.KnowledgeID, &active, &applied, &reverted, &f.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(patch), &f.Patch); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	f.Safety = types.SafetyTier(safety)
	f.Active = active == 1
	f.Applied = applied == 1
	f.Reverted = reverted == 1
	return f, nil
}

func (s *SQLiteStore) ActiveFix(ctx context.Context, issueID string) (*types.Fix, error) {
	f, err := scanFix(s.db.QueryRowContext(ctx, `SELECT `+fixColumns+` FROM fixes WHERE issue_id = ? AND active = 1`, issueID))
	if err == sql.ErrNoRows {
		return nil, notFound("active fix for issue", issueID)
	}
	if err != nil {
		return nil, fmt.Errorf("get active fix: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) ListFixes(ctx context.Context, issueID string) ([]*types.Fix, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fixColumns+` FROM fixes WHERE issue_id = ? ORDER BY created_at, id`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list fixes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Fix
	for rows.Next() {
		f, err := scanFix(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fix: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateFix(ctx context.Context, fix *types.Fix) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE fixes SET calibrated_confidence = ?, raw_confidence = ?, applied = ?, reverted = ?, explanation = ? WHERE id = ? AND issue_id = ?`,
		fix.CalibratedConfidence, fix.RawConfidence, database.BoolToInt(fix.Applied), database.BoolToInt(fix.Reverted), fix.Explanation, fix.ID, fix.IssueID,
	)
	if err != nil {
		return fmt.Errorf("update fix: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("fix", fix.ID)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nonNilTags(t []string) []string {
	if t == nil {
		return []string{}
	}
	return t
}

func nonNilMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
