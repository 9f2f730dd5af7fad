package alertsink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

type capture struct {
	mu    sync.Mutex
	posts [][]wireAlert
}

func (c *capture) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != alertsPath {
			t.Errorf("posted to %s, want %s", r.URL.Path, alertsPath)
		}
		var alerts []wireAlert
		if err := json.NewDecoder(r.Body).Decode(&alerts); err != nil {
			t.Errorf("decode body: %v", err)
		}
		c.mu.Lock()
		c.posts = append(c.posts, alerts)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *capture) all() [][]wireAlert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.posts
}

func newTestSink(t *testing.T) (*Sink, *capture) {
	t.Helper()
	rec := &capture{}
	srv := httptest.NewServer(rec.handler(t))
	t.Cleanup(srv.Close)
	return New(srv.URL, log.Nop(), nil), rec
}

func TestSendInitialAlert(t *testing.T) {
	t.Parallel()

	s, rec := newTestSink(t)
	id, err := s.SendInitialAlert(context.Background(), "ERROR: db timeout", "database timeout")
	if err != nil {
		t.Fatalf("SendInitialAlert: %v", err)
	}
	if id == "" {
		t.Fatal("empty incident ID")
	}
	if s.ActiveCount() != 1 {
		t.Errorf("active = %d, want 1", s.ActiveCount())
	}

	posts := rec.all()
	if len(posts) != 1 || len(posts[0]) != 1 {
		t.Fatalf("posts = %v", posts)
	}
	al := posts[0][0]
	if al.Labels["alertname"] != alertnameTriage {
		t.Errorf("alertname = %q", al.Labels["alertname"])
	}
	if al.Labels["incidentId"] != id {
		t.Errorf("incidentId label = %q, want %q", al.Labels["incidentId"], id)
	}
	if len(al.Labels["logHash"]) != 8 {
		t.Errorf("logHash = %q, want 8 chars", al.Labels["logHash"])
	}
	if al.Annotations["summary"] != "database timeout" {
		t.Errorf("summary = %q", al.Annotations["summary"])
	}
	if !al.EndsAt.After(time.Now()) {
		t.Error("initial alert already ended")
	}
}

func TestSendEnrichedAnalysis(t *testing.T) {
	t.Parallel()

	s, rec := newTestSink(t)
	ctx := context.Background()
	id, _ := s.SendInitialAlert(ctx, "log", "reason")

	analysis := &Analysis{
		RootCauseAnalysis:    "connection pool exhausted\nmore detail",
		ImpactAssessment:     "checkout latency elevated",
		SuggestedRemediation: []string{"raise pool size"},
		LessonsLearned:       []string{"monitor pool saturation"},
	}
	usage := []ToolUse{{Tool: "query_metrics", Timestamp: time.Now(), Duration: 2 * time.Second}}

	if err := s.SendEnrichedAnalysis(ctx, id, analysis, "rep-1", usage); err != nil {
		t.Fatalf("SendEnrichedAnalysis: %v", err)
	}
	if s.ActiveCount() != 0 {
		t.Errorf("active = %d after enrichment, want 0", s.ActiveCount())
	}

	posts := rec.all()
	if len(posts) != 2 {
		t.Fatalf("posts = %d, want 2", len(posts))
	}
	// second post resolves phase 1 and fires phase 2
	batch := posts[1]
	if len(batch) != 2 {
		t.Fatalf("enriched batch = %d alerts, want 2", len(batch))
	}
	if batch[0].Labels["alertname"] != alertnameTriage || batch[0].EndsAt.After(time.Now()) {
		t.Errorf("phase-1 alert not resolved: %+v", batch[0])
	}
	enriched := batch[1]
	if enriched.Labels["alertname"] != alertnameEnriched {
		t.Errorf("alertname = %q", enriched.Labels["alertname"])
	}
	if enriched.Labels["incidentId"] != id {
		t.Errorf("incidentId = %q", enriched.Labels["incidentId"])
	}
	if !strings.Contains(enriched.Annotations["description"], "## Root Cause") ||
		!strings.Contains(enriched.Annotations["description"], "raise pool size") {
		t.Errorf("description = %q", enriched.Annotations["description"])
	}
	if !strings.Contains(enriched.Annotations["toolUsage"], "query_metrics") {
		t.Errorf("toolUsage = %q", enriched.Annotations["toolUsage"])
	}
	if enriched.Annotations["reportId"] != "rep-1" {
		t.Errorf("reportId = %q", enriched.Annotations["reportId"])
	}
	if enriched.Annotations["summary"] != "Investigation complete: connection pool exhausted" {
		t.Errorf("summary = %q", enriched.Annotations["summary"])
	}
}

func TestEnrichedUnknownIncident(t *testing.T) {
	t.Parallel()

	s, rec := newTestSink(t)
	err := s.SendEnrichedAnalysis(context.Background(), "unknown", &Analysis{}, "", nil)
	if err != nil {
		t.Fatalf("unknown incident returned error: %v", err)
	}
	if len(rec.all()) != 0 {
		t.Error("unknown incident produced a post")
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	s, rec := newTestSink(t)
	ctx := context.Background()
	id, _ := s.SendInitialAlert(ctx, "log", "reason")

	if err := s.Resolve(ctx, id); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.ActiveCount() != 0 {
		t.Errorf("active = %d, want 0", s.ActiveCount())
	}
	posts := rec.all()
	if len(posts) != 2 {
		t.Fatalf("posts = %d, want 2", len(posts))
	}
	if posts[1][0].EndsAt.After(time.Now()) {
		t.Error("resolved alert still firing")
	}

	// resolving twice is a no-op
	if err := s.Resolve(ctx, id); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if len(rec.all()) != 2 {
		t.Error("second resolve produced a post")
	}
}

func TestSendSystemAlert(t *testing.T) {
	t.Parallel()

	s, rec := newTestSink(t)
	ev := SystemEvent{Source: "investigation-worker-2", Type: "timeout", Details: "exceeded 5m"}
	if err := s.SendSystemAlert(context.Background(), ev); err != nil {
		t.Fatalf("SendSystemAlert: %v", err)
	}
	posts := rec.all()
	if len(posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(posts))
	}
	al := posts[0][0]
	if al.Labels["alertname"] != alertnameSystem {
		t.Errorf("alertname = %q", al.Labels["alertname"])
	}
	if al.Labels["eventType"] != "timeout" || al.Labels["eventSrc"] != ev.Source {
		t.Errorf("labels = %v", al.Labels)
	}
}

func TestHeartbeatRepostsActive(t *testing.T) {
	t.Parallel()

	s, rec := newTestSink(t)
	ctx := context.Background()
	s.mustInitial(t, ctx)
	s.mustInitial(t, ctx)

	before := time.Now()
	s.heartbeat(ctx)

	posts := rec.all()
	last := posts[len(posts)-1]
	if len(last) != 2 {
		t.Fatalf("heartbeat batch = %d alerts, want 2", len(last))
	}
	for _, al := range last {
		if !al.EndsAt.After(before.Add(keepAlive - time.Minute)) {
			t.Errorf("heartbeat endsAt %v not pushed out", al.EndsAt)
		}
	}
}

func (s *Sink) mustInitial(t *testing.T, ctx context.Context) {
	t.Helper()
	if _, err := s.SendInitialAlert(ctx, "log", "reason"); err != nil {
		t.Fatalf("SendInitialAlert: %v", err)
	}
}

func TestDisabledSink(t *testing.T) {
	t.Parallel()

	s := New("", log.Nop(), nil)
	ctx := context.Background()

	id, err := s.SendInitialAlert(ctx, "log", "reason")
	if err != nil || id == "" {
		t.Fatalf("disabled sink: id=%q err=%v", id, err)
	}
	if err := s.SendEnrichedAnalysis(ctx, id, &Analysis{}, "", nil); err != nil {
		t.Fatalf("SendEnrichedAnalysis: %v", err)
	}
	if err := s.SendSystemAlert(ctx, SystemEvent{}); err != nil {
		t.Fatalf("SendSystemAlert: %v", err)
	}
}

func TestPostFailureSurfaces(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	s := New(srv.URL, log.Nop(), nil)
	if _, err := s.SendInitialAlert(context.Background(), "log", "reason"); err == nil {
		t.Fatal("502 did not surface as error")
	}
	// the incident still heartbeats so a recovered sink picks it up
	if s.ActiveCount() != 1 {
		t.Errorf("active = %d, want 1", s.ActiveCount())
	}
}
