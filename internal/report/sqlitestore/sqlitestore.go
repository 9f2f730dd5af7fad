// Package sqlitestore provides a SQLite-backed implementation of
// report.Store, the default durable store (reports.db in the working
// directory).
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/seraph/internal/report"
)

//go:embed schema.sql
var schema string

const (
	// maxConns bounds the connection pool; acquisition beyond capacity
	// waits and then fails with a context deadline error.
	maxConns = 3

	// opTimeout bounds every store operation, including pool acquisition.
	opTimeout = 5 * time.Second
)

// Store persists reports in a SQLite database file.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies the schema.
func New(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save implements report.Store.
func (s *Store) Save(ctx context.Context, r *report.Report) (string, error) {
	trace, err := report.Compress(r.InvestigationTrace)
	if err != nil {
		return "", err
	}
	analysis, err := report.Compress(r.FinalAnalysis)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	ts := time.Now().UTC()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (incident_id, created_at, initial_log, triage_reason, trace_gz, analysis_gz, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, ts.UnixMilli(), r.InitialLog, r.TriageReason, trace, analysis, string(report.StatusOpen),
	)
	if err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}
	return id, nil
}

// List implements report.Store.
func (s *Store) List(ctx context.Context) ([]report.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT incident_id, created_at, initial_log, triage_reason, status
		 FROM reports ORDER BY created_at DESC LIMIT ?`, report.ListLimit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []report.Summary
	for rows.Next() {
		var sum report.Summary
		var createdAt int64
		var status string
		if err := rows.Scan(&sum.IncidentID, &createdAt, &sum.InitialLog, &sum.TriageReason, &status); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		sum.Timestamp = time.UnixMilli(createdAt).UTC()
		sum.Status = report.Status(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Get implements report.Store.
func (s *Store) Get(ctx context.Context, incidentID string) (*report.Report, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var r report.Report
	var createdAt int64
	var status string
	var trace, analysis []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT incident_id, created_at, initial_log, triage_reason, trace_gz, analysis_gz, status
		 FROM reports WHERE incident_id = ?`, incidentID).
		Scan(&r.IncidentID, &createdAt, &r.InitialLog, &r.TriageReason, &trace, &analysis, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get report: %w", err)
	}

	r.Timestamp = time.UnixMilli(createdAt).UTC()
	r.Status = report.Status(status)
	if r.InvestigationTrace, err = report.Decompress(trace); err != nil {
		return nil, false, err
	}
	if r.FinalAnalysis, err = report.Decompress(analysis); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

// SetStatus implements report.Store.
func (s *Store) SetStatus(ctx context.Context, incidentID string, status report.Status) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ? WHERE incident_id = ?`, string(status), incidentID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// Prune implements report.Store.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reports WHERE created_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune reports: %w", err)
	}
	return res.RowsAffected()
}

// Close implements report.Store.
func (s *Store) Close() error { return s.db.Close() }
