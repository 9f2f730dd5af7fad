// Package alertsink delivers the two-phase alerting protocol to an
// Alertmanager-compatible endpoint: an initial triage alert when an
// anomaly is confirmed, an enriched analysis alert when its investigation
// completes, and a heartbeat that keeps active incidents firing until
// they are enriched or resolved.
package alertsink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/seraph/internal/redact"
)

const (
	alertsPath  = "/api/v2/alerts"
	httpTimeout = 10 * time.Second

	// keepAlive is how far into the future heartbeats push endsAt.
	keepAlive = 5 * time.Minute

	// HeartbeatInterval is the default re-post period for active alerts.
	HeartbeatInterval = 30 * time.Second

	maxLogExcerpt = 500
)

const (
	alertnameTriage   = "SeraphAnomalyTriage"
	alertnameEnriched = "SeraphAnomalyInvestigationComplete"
	alertnameSystem   = "SeraphSystemEvent"
)

// Analysis is the structured outcome of an investigation, rendered into
// the enriched alert's annotations.
type Analysis struct {
	RootCauseAnalysis    string   `json:"rootCauseAnalysis"`
	ImpactAssessment     string   `json:"impactAssessment"`
	SuggestedRemediation []string `json:"suggestedRemediation"`
	LessonsLearned       []string `json:"lessonsLearned"`
}

// ToolUse is one entry of an investigation's tool timeline.
type ToolUse struct {
	Tool      string        `json:"tool"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	IsError   bool          `json:"isError,omitempty"`
}

// SystemEvent describes an internal fault worth alerting on, such as a
// worker crash or an investigation timeout.
type SystemEvent struct {
	Source  string
	Type    string
	Details string
}

// wireAlert is the Alertmanager v2 alert object.
type wireAlert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations,omitempty"`
	StartsAt    time.Time         `json:"startsAt,omitempty"`
	EndsAt      time.Time         `json:"endsAt,omitempty"`
}

type activeIncident struct {
	labels      map[string]string
	annotations map[string]string
	startsAt    time.Time
}

// Sink posts alerts to Alertmanager. With an empty URL every operation
// is a no-op that still hands out incident IDs, so the rest of the
// pipeline runs unchanged without a sink.
type Sink struct {
	url     string
	client  *http.Client
	logger  log.Logger
	metrics *Metrics

	mu     sync.Mutex
	active map[string]*activeIncident
}

// New creates a Sink. If url is empty the sink operates in no-op mode.
func New(url string, logger log.Logger, metrics *Metrics) *Sink {
	return &Sink{
		url:     strings.TrimSuffix(url, "/"),
		client:  &http.Client{Timeout: httpTimeout},
		logger:  logger,
		metrics: metrics,
		active:  make(map[string]*activeIncident),
	}
}

// Enabled reports whether a sink URL is configured.
func (s *Sink) Enabled() bool { return s.url != "" }

// SendInitialAlert fires the phase-1 alert for a triage-confirmed anomaly
// and returns the incident ID that correlates all later activity.
func (s *Sink) SendInitialAlert(ctx context.Context, logLine, reason string) (string, error) {
	incidentID := uuid.NewString()
	if !s.Enabled() {
		return incidentID, nil
	}

	now := time.Now().UTC()
	labels := map[string]string{
		"alertname":  alertnameTriage,
		"incidentId": incidentID,
		"logHash":    logHash(logLine),
		"severity":   "warning",
		"source":     "seraph",
	}
	annotations := map[string]string{
		"summary":     reason,
		"description": fmt.Sprintf("Anomaly detected: %s\n\nLog:\n%s", reason, excerpt(logLine)),
	}

	s.mu.Lock()
	s.active[incidentID] = &activeIncident{labels: labels, annotations: annotations, startsAt: now}
	s.metrics.setActive(len(s.active))
	s.mu.Unlock()

	err := s.post(ctx, []wireAlert{{
		Labels:      labels,
		Annotations: annotations,
		StartsAt:    now,
		EndsAt:      now.Add(keepAlive),
	}})
	s.metrics.post("initial", err)
	return incidentID, err
}

// SendEnrichedAnalysis fires the phase-2 alert carrying the investigation
// outcome and retires the incident from the heartbeat set. An unknown
// incident ID is logged and ignored.
func (s *Sink) SendEnrichedAnalysis(ctx context.Context, incidentID string, analysis *Analysis, reportID string, toolUsage []ToolUse) error {
	s.mu.Lock()
	inc, ok := s.active[incidentID]
	if ok {
		delete(s.active, incidentID)
		s.metrics.setActive(len(s.active))
	}
	s.mu.Unlock()

	if !s.Enabled() {
		return nil
	}
	if !ok {
		s.logger.Warn(ctx, "enriched analysis for unknown incident", "incident_id", incidentID)
		return nil
	}

	now := time.Now().UTC()
	labels := map[string]string{
		"alertname":  alertnameEnriched,
		"incidentId": incidentID,
		"severity":   "info",
		"source":     "seraph",
	}
	for k, v := range inc.labels {
		if _, exists := labels[k]; !exists {
			labels[k] = v
		}
	}
	annotations := map[string]string{
		"summary":     "Investigation complete: " + firstLine(analysis.RootCauseAnalysis),
		"description": formatAnalysis(analysis),
		"toolUsage":   formatTimeline(toolUsage),
		"reportId":    reportID,
	}

	// resolve the phase-1 alert alongside the enriched one
	err := s.post(ctx, []wireAlert{
		{Labels: inc.labels, Annotations: inc.annotations, StartsAt: inc.startsAt, EndsAt: now},
		{Labels: labels, Annotations: annotations, StartsAt: now, EndsAt: now.Add(keepAlive)},
	})
	s.metrics.post("enriched", err)
	return err
}

// Resolve marks the incident's alert as ended and drops it from the
// heartbeat set.
func (s *Sink) Resolve(ctx context.Context, incidentID string) error {
	s.mu.Lock()
	inc, ok := s.active[incidentID]
	if ok {
		delete(s.active, incidentID)
		s.metrics.setActive(len(s.active))
	}
	s.mu.Unlock()
	if !ok || !s.Enabled() {
		return nil
	}

	now := time.Now().UTC()
	err := s.post(ctx, []wireAlert{{
		Labels:      inc.labels,
		Annotations: inc.annotations,
		StartsAt:    inc.startsAt,
		EndsAt:      now,
	}})
	s.metrics.post("resolve", err)
	return err
}

// SendSystemAlert fires a one-shot alert for an internal fault.
func (s *Sink) SendSystemAlert(ctx context.Context, ev SystemEvent) error {
	if !s.Enabled() {
		return nil
	}
	now := time.Now().UTC()
	err := s.post(ctx, []wireAlert{{
		Labels: map[string]string{
			"alertname": alertnameSystem,
			"eventType": ev.Type,
			"eventSrc":  ev.Source,
			"severity":  "warning",
			"source":    "seraph",
		},
		Annotations: map[string]string{
			"summary":     fmt.Sprintf("%s: %s", ev.Source, ev.Type),
			"description": ev.Details,
		},
		StartsAt: now,
		EndsAt:   now.Add(keepAlive),
	}})
	s.metrics.post("system", err)
	return err
}

// RunHeartbeat re-posts every active alert on each tick with a pushed-out
// endsAt so Alertmanager keeps the incident firing. Returns when ctx is
// done.
func (s *Sink) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if !s.Enabled() {
		return
	}
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

func (s *Sink) heartbeat(ctx context.Context) {
	s.mu.Lock()
	alerts := make([]wireAlert, 0, len(s.active))
	now := time.Now().UTC()
	for _, inc := range s.active {
		alerts = append(alerts, wireAlert{
			Labels:      inc.labels,
			Annotations: inc.annotations,
			StartsAt:    inc.startsAt,
			EndsAt:      now.Add(keepAlive),
		})
	}
	s.mu.Unlock()

	if len(alerts) == 0 {
		return
	}
	if err := s.post(ctx, alerts); err != nil {
		s.logger.Warn(ctx, "heartbeat post failed", "error", redact.Error(err))
	}
	s.metrics.heartbeat(len(alerts))
}

// ActiveCount returns the number of incidents awaiting enrichment.
func (s *Sink) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Sink) post(ctx context.Context, alerts []wireAlert) error {
	body, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("alertsink: marshal alerts: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+alertsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alertsink: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("alertsink: post alerts: %s", redact.Error(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("alertsink: alertmanager returned %d: %s", resp.StatusCode, redact.String(string(respBody)))
	}
	return nil
}

// logHash is a short stable fingerprint of the raw log line, attached as
// a label so operators can group alerts about the same line.
func logHash(logLine string) string {
	sum := sha256.Sum256([]byte(logLine))
	return hex.EncodeToString(sum[:])[:8]
}

func excerpt(s string) string {
	if len(s) <= maxLogExcerpt {
		return s
	}
	return s[:maxLogExcerpt] + "…"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func formatAnalysis(a *Analysis) string {
	var b strings.Builder
	b.WriteString("## Root Cause\n")
	b.WriteString(a.RootCauseAnalysis)
	b.WriteString("\n\n## Impact\n")
	b.WriteString(a.ImpactAssessment)
	if len(a.SuggestedRemediation) > 0 {
		b.WriteString("\n\n## Remediation\n")
		for _, r := range a.SuggestedRemediation {
			b.WriteString("- ")
			b.WriteString(r)
			b.WriteString("\n")
		}
	}
	if len(a.LessonsLearned) > 0 {
		b.WriteString("\n## Lessons Learned\n")
		for _, l := range a.LessonsLearned {
			b.WriteString("- ")
			b.WriteString(l)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func formatTimeline(usage []ToolUse) string {
	if len(usage) == 0 {
		return "no tools used"
	}
	var b strings.Builder
	for _, u := range usage {
		status := "ok"
		if u.IsError {
			status = "error"
		}
		fmt.Fprintf(&b, "%s %s (%.1fs, %s)\n",
			u.Timestamp.UTC().Format("15:04:05"), u.Tool, u.Duration.Seconds(), status)
	}
	return b.String()
}
