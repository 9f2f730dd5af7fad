// Package agent glues ingress to the worker tiers: it owns the bounded
// recent-logs ring, dispatches accepted lines to the triage pool, routes
// triage findings into the scheduler, and serves operator chat.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/seraph/internal/llmcache"
	"github.com/linnemanlabs/seraph/internal/model"
	"github.com/linnemanlabs/seraph/internal/sched"
	"github.com/linnemanlabs/seraph/internal/triage"
)

const (
	defaultMaxBytes   = 10 << 20
	defaultMaxCount   = 1000
	defaultRevalidate = time.Minute

	// computed vs recomputed byte accounting may drift this much before
	// it is corrected and logged
	driftTolerance = 1024

	chatMaxChars     = 1000
	chatRecentLogs   = 20
	chatResponseToks = 2048
	chatHistoryLimit = 5
)

// Submitter admits triage-confirmed anomalies. *sched.Scheduler
// satisfies it.
type Submitter interface {
	Submit(sched.Submission) bool
}

// Config tunes the manager.
type Config struct {
	RecentLogsMaxBytes int64         // zero means 10 MiB
	RecentLogsMaxCount int           // zero means 1000
	RevalidateInterval time.Duration // zero means 1m
	StartupPrompts     []string
}

// Manager coordinates the log path. The recent-logs ring is mutated
// under mu; everything else is message passing.
type Manager struct {
	cfg     Config
	logger  log.Logger
	metrics *Metrics
	mdl     model.Model
	cache   llmcache.Cache
	sched   Submitter
	started time.Time

	triage *triage.Pool

	mu    sync.Mutex
	ring  []logEntry
	bytes int64
}

type logEntry struct {
	line string
	size int64
}

// New builds the manager. The triage pool is attached afterwards with
// SetTriagePool because its finding callback points back here.
func New(cfg Config, mdl model.Model, cache llmcache.Cache, s Submitter, logger log.Logger, metrics *Metrics) *Manager {
	if cfg.RecentLogsMaxBytes <= 0 {
		cfg.RecentLogsMaxBytes = defaultMaxBytes
	}
	if cfg.RecentLogsMaxCount <= 0 {
		cfg.RecentLogsMaxCount = defaultMaxCount
	}
	if cfg.RevalidateInterval <= 0 {
		cfg.RevalidateInterval = defaultRevalidate
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "agent"),
		metrics: metrics,
		mdl:     mdl,
		cache:   cache,
		sched:   s,
		started: time.Now(),
	}
}

// SetTriagePool attaches the triage pool. Must be called before Ingest.
func (m *Manager) SetTriagePool(p *triage.Pool) { m.triage = p }

// HandleFinding is the triage pool's escalation callback: a confirmed
// anomaly enters scheduler admission.
func (m *Manager) HandleFinding(ctx context.Context, f triage.Finding) {
	ok := m.sched.Submit(sched.Submission{Log: f.Log, Reason: f.Reason})
	if !ok {
		m.logger.Warn(ctx, "scheduler backlogged, finding dropped", "reason", f.Reason)
	}
	m.metrics.finding(ok)
}

// Ingest records the line in the recent-logs ring and hands it to the
// triage tier. The ring keeps the line even when triage drops it.
func (m *Manager) Ingest(ctx context.Context, line string) {
	m.remember(line)
	m.metrics.ingested()
	m.triage.Submit(line)
}

// remember appends to the ring, evicting oldest entries until both the
// byte cap and the count cap hold.
func (m *Manager) remember(line string) {
	size := int64(len(line))
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring = append(m.ring, logEntry{line: line, size: size})
	m.bytes += size
	for len(m.ring) > m.cfg.RecentLogsMaxCount || m.bytes > m.cfg.RecentLogsMaxBytes {
		if len(m.ring) == 0 {
			break
		}
		m.bytes -= m.ring[0].size
		m.ring = m.ring[1:]
	}
	m.metrics.ring(len(m.ring), m.bytes)
}

// RecentLogs returns a copy of the ring, oldest first.
func (m *Manager) RecentLogs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.ring))
	for i, e := range m.ring {
		out[i] = e.line
	}
	return out
}

// RingStats reports the current ring occupancy.
func (m *Manager) RingStats() (count int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ring), m.bytes
}

// Uptime reports time since construction.
func (m *Manager) Uptime() time.Duration { return time.Since(m.started) }

// Start runs startup prompts and the byte-accounting revalidation loop.
// It returns when ctx ends.
func (m *Manager) Start(ctx context.Context) {
	for _, prompt := range m.cfg.StartupPrompts {
		// synthetic alerts skip triage and go straight to admission
		m.sched.Submit(sched.Submission{Log: prompt, Reason: "startup prompt"})
	}
	if len(m.cfg.StartupPrompts) > 0 {
		m.logger.Info(ctx, "startup prompts injected", "count", len(m.cfg.StartupPrompts))
	}

	tick := time.NewTicker(m.cfg.RevalidateInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			m.revalidate(ctx)
		}
	}
}

// revalidate recomputes ring bytes from scratch and corrects the running
// total when it has drifted past tolerance.
func (m *Manager) revalidate(ctx context.Context) {
	m.mu.Lock()
	var actual int64
	for _, e := range m.ring {
		actual += e.size
	}
	drift := m.bytes - actual
	if drift < 0 {
		drift = -drift
	}
	corrected := drift > driftTolerance
	if corrected {
		m.bytes = actual
	}
	m.mu.Unlock()

	if corrected {
		m.metrics.driftCorrected()
		m.logger.Warn(ctx, "recent-logs byte accounting drifted", "drift_bytes", drift)
	}
}

// Chat answers an operator question with the recent-log ring and the
// session's prior queries as context.
func (m *Manager) Chat(ctx context.Context, sessionID, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", fmt.Errorf("agent: empty chat message")
	}
	if len(message) > chatMaxChars {
		message = message[:chatMaxChars]
	}

	var b strings.Builder
	b.WriteString("You are Seraph, an autonomous SRE agent. Answer the operator's question using the recent logs below when relevant.\n")

	if history := m.cache.RecentSessionQueries(ctx, sessionID, chatHistoryLimit); len(history) > 0 {
		b.WriteString("\nEarlier questions this session:\n")
		for _, q := range history {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}

	recent := m.RecentLogs()
	if n := len(recent); n > 0 {
		if n > chatRecentLogs {
			recent = recent[n-chatRecentLogs:]
		}
		b.WriteString("\nRecent logs:\n")
		for _, line := range recent {
			fmt.Fprintf(&b, "%s\n", line)
		}
	}

	fmt.Fprintf(&b, "\nOperator: %s", message)

	resp, err := m.mdl.Generate(ctx, &model.Request{
		MaxTokens: chatResponseToks,
		Messages:  []model.Message{model.UserText(b.String())},
	})
	if err != nil {
		m.metrics.chat("error")
		return "", fmt.Errorf("agent: chat: %w", err)
	}
	m.cache.RecordSessionQuery(ctx, sessionID, message)
	m.metrics.chat("ok")
	return resp.Text(), nil
}
