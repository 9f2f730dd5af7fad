// Package memstore provides an in-memory implementation of report.Store.
// Suitable for dev and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/seraph/internal/report"
)

// Store holds reports in memory. Blobs are kept compressed so the gzip
// round-trip is exercised the same way as in the durable stores.
type Store struct {
	mu      sync.RWMutex
	reports map[string]*entry
}

type entry struct {
	incidentID   string
	timestamp    time.Time
	initialLog   string
	triageReason string
	trace        []byte
	analysis     []byte
	status       report.Status
}

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{reports: make(map[string]*entry)}
}

// Save implements report.Store.
func (s *Store) Save(_ context.Context, r *report.Report) (string, error) {
	trace, err := report.Compress(r.InvestigationTrace)
	if err != nil {
		return "", err
	}
	analysis, err := report.Compress(r.FinalAnalysis)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[id] = &entry{
		incidentID:   id,
		timestamp:    time.Now().UTC(),
		initialLog:   r.InitialLog,
		triageReason: r.TriageReason,
		trace:        trace,
		analysis:     analysis,
		status:       report.StatusOpen,
	}
	return id, nil
}

// List implements report.Store.
func (s *Store) List(_ context.Context) ([]report.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]report.Summary, 0, len(s.reports))
	for _, e := range s.reports {
		out = append(out, report.Summary{
			IncidentID:   e.incidentID,
			Timestamp:    e.timestamp,
			InitialLog:   e.initialLog,
			TriageReason: e.triageReason,
			Status:       e.status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > report.ListLimit {
		out = out[:report.ListLimit]
	}
	return out, nil
}

// Get implements report.Store.
func (s *Store) Get(_ context.Context, incidentID string) (*report.Report, bool, error) {
	s.mu.RLock()
	e, ok := s.reports[incidentID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	trace, err := report.Decompress(e.trace)
	if err != nil {
		return nil, false, err
	}
	analysis, err := report.Decompress(e.analysis)
	if err != nil {
		return nil, false, err
	}
	return &report.Report{
		IncidentID:         e.incidentID,
		Timestamp:          e.timestamp,
		InitialLog:         e.initialLog,
		TriageReason:       e.triageReason,
		InvestigationTrace: trace,
		FinalAnalysis:      analysis,
		Status:             e.status,
	}, true, nil
}

// SetStatus implements report.Store.
func (s *Store) SetStatus(_ context.Context, incidentID string, status report.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.reports[incidentID]
	if !ok {
		return nil
	}
	e.status = status
	return nil
}

// Prune implements report.Store.
func (s *Store) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.reports {
		if e.timestamp.Before(olderThan) {
			delete(s.reports, id)
			n++
		}
	}
	return n, nil
}

// Close implements report.Store.
func (s *Store) Close() error { return nil }
