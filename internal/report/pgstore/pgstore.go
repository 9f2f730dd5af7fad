// Package pgstore provides a PostgreSQL implementation of report.Store for
// deployments that already run Postgres instead of the local SQLite file.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/seraph/internal/report"
)

var tracer = otel.Tracer("github.com/linnemanlabs/seraph/internal/report/pgstore")

//go:embed schema.sql
var schema string

// Store persists reports in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store over the given pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Save implements report.Store.
func (s *Store) Save(ctx context.Context, r *report.Report) (string, error) {
	ctx, span := startSpan(ctx, "pgstore.Save", "INSERT")
	defer span.End()

	traceGz, err := report.Compress(r.InvestigationTrace)
	if err != nil {
		spanErr(span, err)
		return "", err
	}
	analysisGz, err := report.Compress(r.FinalAnalysis)
	if err != nil {
		spanErr(span, err)
		return "", err
	}

	id := uuid.NewString()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO reports (incident_id, created_at, initial_log, triage_reason, trace_gz, analysis_gz, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, time.Now().UTC(), r.InitialLog, r.TriageReason, traceGz, analysisGz, string(report.StatusOpen),
	)
	if err != nil {
		spanErr(span, err)
		return "", fmt.Errorf("insert report: %w", err)
	}
	return id, nil
}

// List implements report.Store.
func (s *Store) List(ctx context.Context) ([]report.Summary, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT incident_id, created_at, initial_log, triage_reason, status
		 FROM reports ORDER BY created_at DESC LIMIT $1`, report.ListLimit)
	if err != nil {
		spanErr(span, err)
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []report.Summary
	for rows.Next() {
		var sum report.Summary
		var status string
		if err := rows.Scan(&sum.IncidentID, &sum.Timestamp, &sum.InitialLog, &sum.TriageReason, &status); err != nil {
			spanErr(span, err)
			return nil, fmt.Errorf("scan report: %w", err)
		}
		sum.Status = report.Status(status)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		spanErr(span, err)
		return nil, err
	}
	return out, nil
}

// Get implements report.Store.
func (s *Store) Get(ctx context.Context, incidentID string) (*report.Report, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	var r report.Report
	var status string
	var traceGz, analysisGz []byte
	err := s.pool.QueryRow(ctx,
		`SELECT incident_id, created_at, initial_log, triage_reason, trace_gz, analysis_gz, status
		 FROM reports WHERE incident_id = $1`, incidentID).
		Scan(&r.IncidentID, &r.Timestamp, &r.InitialLog, &r.TriageReason, &traceGz, &analysisGz, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		spanErr(span, err)
		return nil, false, fmt.Errorf("get report: %w", err)
	}

	r.Status = report.Status(status)
	if r.InvestigationTrace, err = report.Decompress(traceGz); err != nil {
		spanErr(span, err)
		return nil, false, err
	}
	if r.FinalAnalysis, err = report.Decompress(analysisGz); err != nil {
		spanErr(span, err)
		return nil, false, err
	}
	return &r, true, nil
}

// SetStatus implements report.Store.
func (s *Store) SetStatus(ctx context.Context, incidentID string, status report.Status) error {
	ctx, span := startSpan(ctx, "pgstore.SetStatus", "UPDATE")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $1 WHERE incident_id = $2`, string(status), incidentID)
	if err != nil {
		spanErr(span, err)
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// Prune implements report.Store.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, span := startSpan(ctx, "pgstore.Prune", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM reports WHERE created_at < $1`, olderThan)
	if err != nil {
		spanErr(span, err)
		return 0, fmt.Errorf("prune reports: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close implements report.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
