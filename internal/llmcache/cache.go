// Package llmcache provides an optional Redis-backed cache of model
// responses, keyed by prompt hash with a similarity fallback, plus an
// incident/session/pattern memory sharing the same store. Every operation
// degrades to a miss or a no-op when the store is unreachable.
package llmcache

import (
	"context"
	"time"

	"github.com/linnemanlabs/seraph/internal/model"
)

// Cache is the response-cache and memory boundary. All methods are safe
// for concurrent use. Implementations never return store errors to the
// caller: reads miss and writes drop when the backing store is down.
type Cache interface {
	// Get returns a cached response for the prompt, trying an exact hash
	// hit first and then a similarity scan over recent entries.
	Get(ctx context.Context, prompt string, maxTokens int) (*model.Response, bool)

	// Set stores the response under the prompt's hash with the configured
	// TTL.
	Set(ctx context.Context, prompt string, resp *model.Response, tokens int)

	// WaitForReady polls the store until a ping succeeds or the retry
	// budget is spent.
	WaitForReady(ctx context.Context) error

	// RecordIncident appends an incident to the timeline, evicting the
	// oldest entries beyond the configured cap.
	RecordIncident(ctx context.Context, inc *Incident)

	// RecentIncidents returns up to limit incidents, newest first.
	RecentIncidents(ctx context.Context, limit int) []*Incident

	// RecordSessionQuery appends a query to the session's recent list.
	RecordSessionQuery(ctx context.Context, sessionID, query string)

	// RecentSessionQueries returns up to limit queries for the session,
	// oldest first.
	RecentSessionQueries(ctx context.Context, sessionID string, limit int) []string

	// RecordPattern bumps the frequency of the (service, errorClass,
	// severity) signature and accumulates the resolution if given.
	RecordPattern(ctx context.Context, service, errorClass, severity, resolution string)

	// PatternsAbove returns all known patterns with confidence at or
	// above the floor.
	PatternsAbove(ctx context.Context, minConfidence float64) []*Pattern

	Close() error
}

// Incident is one remembered anomaly, indexed by time on the timeline.
type Incident struct {
	ID         string    `json:"id"`
	Log        string    `json:"log"`
	Reason     string    `json:"reason"`
	Embedding  []float64 `json:"embedding,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Tags       []string  `json:"tags,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
}

// Pattern accumulates recurrence of a (service, errorClass, severity)
// signature across investigations.
type Pattern struct {
	Signature         string    `json:"signature"`
	Frequency         int       `json:"frequency"`
	FirstSeen         time.Time `json:"firstSeen"`
	LastSeen          time.Time `json:"lastSeen"`
	Confidence        float64   `json:"confidence"`
	CommonResolutions []string  `json:"commonResolutions,omitempty"`
}

// Nop is the cache used when no store is configured. Reads always miss.
type Nop struct{}

var _ Cache = Nop{}

func (Nop) Get(context.Context, string, int) (*model.Response, bool) { return nil, false }

func (Nop) Set(context.Context, string, *model.Response, int) {}

func (Nop) WaitForReady(context.Context) error { return nil }

func (Nop) RecordIncident(context.Context, *Incident) {}

func (Nop) RecentIncidents(context.Context, int) []*Incident { return nil }

func (Nop) RecordSessionQuery(context.Context, string, string) {}

func (Nop) RecentSessionQueries(context.Context, string, int) []string { return nil }

func (Nop) RecordPattern(context.Context, string, string, string, string) {}

func (Nop) PatternsAbove(context.Context, float64) []*Pattern { return nil }

func (Nop) Close() error { return nil }
