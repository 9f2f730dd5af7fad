package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/seraph/internal/llmcache"
	"github.com/linnemanlabs/seraph/internal/model"
	"github.com/linnemanlabs/seraph/internal/sched"
	"github.com/linnemanlabs/seraph/internal/triage"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []sched.Submission
}

func (f *fakeSubmitter) Submit(s sched.Submission) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, s)
	return true
}

func (f *fakeSubmitter) all() []sched.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sched.Submission(nil), f.subs...)
}

type captureModel struct {
	mu     sync.Mutex
	prompt string
	reply  string
}

func (m *captureModel) Generate(_ context.Context, req *model.Request) (*model.Response, error) {
	m.mu.Lock()
	m.prompt = req.Messages[len(req.Messages)-1].Content[0].Text
	m.mu.Unlock()
	return &model.Response{
		Content:    []model.ContentBlock{{Type: "text", Text: m.reply}},
		StopReason: model.StopEnd,
	}, nil
}

func (m *captureModel) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompt
}

func newTestManager(t *testing.T, cfg Config, mdl model.Model, sub Submitter) *Manager {
	t.Helper()
	if mdl == nil {
		mdl = &captureModel{reply: "fine"}
	}
	if sub == nil {
		sub = &fakeSubmitter{}
	}
	m := New(cfg, mdl, llmcache.Nop{}, sub, log.Nop(), nil)
	pool := triage.NewPool(triage.Config{Workers: 2}, mdl, log.Nop(), nil, m.HandleFinding)
	m.SetTriagePool(pool)
	return m
}

func TestRingEvictsByCountAndBytes(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{RecentLogsMaxBytes: 100, RecentLogsMaxCount: 3}, nil, nil)
	ctx := context.Background()

	m.Ingest(ctx, "first line")
	m.Ingest(ctx, "second line")
	m.Ingest(ctx, "third line")
	m.Ingest(ctx, "fourth line")

	logs := m.RecentLogs()
	if len(logs) != 3 {
		t.Fatalf("ring holds %d entries, want 3", len(logs))
	}
	if logs[0] != "second line" {
		t.Fatalf("oldest entry = %q, want second line", logs[0])
	}

	// a single entry larger than everything else forces byte eviction
	m.Ingest(ctx, strings.Repeat("x", 90))
	count, bytes := m.RingStats()
	if bytes > 100 {
		t.Fatalf("ring bytes %d exceed cap", bytes)
	}
	if count != 1 {
		t.Fatalf("ring count = %d, want 1 after byte eviction", count)
	}
}

func TestRevalidateCorrectsDrift(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{}, nil, nil)
	ctx := context.Background()
	m.Ingest(ctx, "a log line")

	m.mu.Lock()
	m.bytes += 5000
	m.mu.Unlock()

	m.revalidate(ctx)

	_, bytes := m.RingStats()
	if bytes != int64(len("a log line")) {
		t.Fatalf("bytes = %d after revalidate, want %d", bytes, len("a log line"))
	}
}

func TestRevalidateTolerantOfSmallDrift(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{}, nil, nil)
	ctx := context.Background()
	m.Ingest(ctx, "a log line")

	m.mu.Lock()
	m.bytes += 100
	m.mu.Unlock()

	m.revalidate(ctx)

	_, bytes := m.RingStats()
	if bytes != int64(len("a log line"))+100 {
		t.Fatalf("small drift was corrected, bytes = %d", bytes)
	}
}

func TestHandleFindingSubmits(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	m := newTestManager(t, Config{}, nil, sub)

	m.HandleFinding(context.Background(), triage.Finding{
		Log:    "FATAL: db down",
		Reason: "database failure",
	})

	subs := sub.all()
	if len(subs) != 1 {
		t.Fatalf("got %d submissions, want 1", len(subs))
	}
	if subs[0].Reason != "database failure" || subs[0].Log != "FATAL: db down" {
		t.Fatalf("submission = %+v", subs[0])
	}
}

func TestStartupPromptsInjected(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	m := newTestManager(t, Config{
		StartupPrompts:     []string{"check disk pressure", "audit cert expiry"},
		RevalidateInterval: time.Hour,
	}, nil, sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(sub.all()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	subs := sub.all()
	if len(subs) != 2 {
		t.Fatalf("got %d submissions, want 2", len(subs))
	}
	for _, s := range subs {
		if s.Reason != "startup prompt" {
			t.Fatalf("Reason = %q", s.Reason)
		}
	}
}

func TestChatUsesRecentLogsAndTruncates(t *testing.T) {
	t.Parallel()
	mdl := &captureModel{reply: "the pod is crashlooping"}
	m := newTestManager(t, Config{}, mdl, nil)
	ctx := context.Background()

	m.remember("pod web-1 restarted")
	m.remember("pod web-1 oomkilled")

	long := "why " + strings.Repeat("x", 2*chatMaxChars)
	out, err := m.Chat(ctx, "sess-1", long)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "the pod is crashlooping" {
		t.Fatalf("reply = %q", out)
	}

	prompt := mdl.lastPrompt()
	if !strings.Contains(prompt, "pod web-1 oomkilled") {
		t.Fatal("prompt missing recent logs")
	}
	if strings.Contains(prompt, long) {
		t.Fatal("overlong message was not truncated")
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{}, nil, nil)
	if _, err := m.Chat(context.Background(), "sess-1", "   "); err == nil {
		t.Fatal("expected error for empty message")
	}
}
