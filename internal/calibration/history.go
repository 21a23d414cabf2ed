package calibration

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"codeheal/internal/database"
	"codeheal/types"
)

// Stats aggregates the records of one bucket
type Stats struct {
	SampleCount      int     `json:"sampleCount"`
	MeanPredicted    float64 `json:"meanPredicted"`
	MeanActual       float64 `json:"meanActual"`
	CalibrationError float64 `json:"calibrationError"`
}

// History stores calibration records. An empty method or domain in Stats
// matches every value.
type History interface {
	Append(ctx context.Context, rec types.CalibrationRecord) error
	Stats(ctx context.Context, method, domain string) (Stats, error)
	Close() error
}

// MemoryHistory keeps records in process
type MemoryHistory struct {
	mu      sync.RWMutex
	records []types.CalibrationRecord
}

// NewMemoryHistory creates an empty history
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) Append(_ context.Context, rec types.CalibrationRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *MemoryHistory) Stats(_ context.Context, method, domain string) (Stats, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var s Stats
	var sumPred, sumActual, sumErr float64
	for _, r := range h.records {
		if method != "" && r.Method != method {
			continue
		}
		if domain != "" && r.Domain != domain {
			continue
		}
		actual := 0.0
		if r.Actual {
			actual = 1
		}
		s.SampleCount++
		sumPred += r.Predicted
		sumActual += actual
		sumErr += math.Abs(r.Predicted - actual)
	}
	if s.SampleCount > 0 {
		n := float64(s.SampleCount)
		s.MeanPredicted = sumPred / n
		s.MeanActual = sumActual / n
		s.CalibrationError = sumErr / n
	}
	return s, nil
}

func (h *MemoryHistory) Close() error { return nil }

// SQLiteHistory stores records in the calibration_records table
type SQLiteHistory struct {
	db *sql.DB
}

// OpenSQLiteHistory opens the database at path
func OpenSQLiteHistory(ctx context.Context, path string) (*SQLiteHistory, error) {
	db, err := database.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &SQLiteHistory{db: db}, nil
}

// NewSQLiteHistory wraps an already migrated database handle
func NewSQLiteHistory(db *sql.DB) *SQLiteHistory {
	return &SQLiteHistory{db: db}
}

func (h *SQLiteHistory) Append(ctx context.Context, rec types.CalibrationRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO calibration_records (fix_id, method, domain, predicted, actual, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.FixID, rec.Method, rec.Domain, rec.Predicted, database.BoolToInt(rec.Actual), rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert calibration record: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) Stats(ctx context.Context, method, domain string) (Stats, error) {
	var s Stats
	var meanPred, meanActual, meanErr sql.NullFloat64

	err := h.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(predicted), AVG(actual), AVG(ABS(predicted - actual))
		FROM calibration_records
		WHERE (? = '' OR method = ?) AND (? = '' OR domain = ?)`,
		method, method, domain, domain,
	).Scan(&s.SampleCount, &meanPred, &meanActual, &meanErr)
	if err != nil {
		return Stats{}, fmt.Errorf("query calibration stats: %w", err)
	}

	s.MeanPredicted = meanPred.Float64
	s.MeanActual = meanActual.Float64
	s.CalibrationError = meanErr.Float64
	return s, nil
}

func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
