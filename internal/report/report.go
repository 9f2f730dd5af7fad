// Package report defines persisted investigation reports, their gzip
// compression at rest, and the Store interface with in-memory, SQLite, and
// PostgreSQL implementations in subpackages.
package report

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"
)

// Status tracks where a report is in its operator lifecycle.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Report is a completed investigation. Trace and analysis are plaintext at
// this boundary; stores compress them at rest.
type Report struct {
	IncidentID         string    `json:"incident_id"`
	Timestamp          time.Time `json:"timestamp"`
	InitialLog         string    `json:"initial_log"`
	TriageReason       string    `json:"triage_reason"`
	InvestigationTrace string    `json:"investigation_trace"`
	FinalAnalysis      string    `json:"final_analysis"`
	Status             Status    `json:"status"`
}

// Summary is a report without its compressed blobs, for listings.
type Summary struct {
	IncidentID   string    `json:"incident_id"`
	Timestamp    time.Time `json:"timestamp"`
	InitialLog   string    `json:"initial_log"`
	TriageReason string    `json:"triage_reason"`
	Status       Status    `json:"status"`
}

// ListLimit caps List results to the most recent reports.
const ListLimit = 100

// Store is the persistence interface for investigation reports.
type Store interface {
	// Save assigns a new incident ID, timestamp, and open status, then
	// persists the report. The assigned ID is returned.
	Save(ctx context.Context, r *Report) (string, error)
	// List returns up to ListLimit most recent reports without blobs.
	List(ctx context.Context) ([]Summary, error)
	// Get returns the full report with decompressed blobs.
	Get(ctx context.Context, incidentID string) (*Report, bool, error)
	// SetStatus updates the operator lifecycle status.
	SetStatus(ctx context.Context, incidentID string, status Status) error
	// Prune deletes reports older than the cutoff, returning the count.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	// Close releases the backing resources.
	Close() error
}

// Compress gzips a blob for storage. Round-trips losslessly with Decompress.
func Compress(s string) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("gzip reader: %w", err)
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("gzip read: %w", err)
	}
	return string(out), nil
}
