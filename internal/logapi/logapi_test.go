package logapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/seraph/internal/sched"
)

type fakeAgent struct {
	mu        sync.Mutex
	lines     []string
	chatReply string
	lastMsg   string
	chatErr   error
}

func (f *fakeAgent) Ingest(_ context.Context, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
}

func (f *fakeAgent) Chat(_ context.Context, _, message string) (string, error) {
	f.mu.Lock()
	f.lastMsg = message
	f.mu.Unlock()
	return f.chatReply, f.chatErr
}

func (f *fakeAgent) RecentLogs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeAgent) Uptime() time.Duration { return 42 * time.Second }

func (f *fakeAgent) ingested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

type fakeStatus struct{}

func (fakeStatus) Snapshot(context.Context) (sched.Snapshot, error) {
	return sched.Snapshot{Running: 1, Queued: 2}, nil
}

func newTestAPI(t *testing.T, ag *fakeAgent, opts Options) http.Handler {
	t.Helper()
	if ag.chatReply == "" {
		ag.chatReply = "all quiet"
	}
	api := New(ag, fakeStatus{}, opts, log.Nop(), nil)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r
}

func TestSplitConcatenated(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"single", `{"log":"a"}`, []string{`{"log":"a"}`}},
		{"two", `{"log":"a"}{"log":"b"}`, []string{`{"log":"a"}`, `{"log":"b"}`}},
		{"three", `{"a":1}{"b":2}{"c":3}`, []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitConcatenated(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d fragments, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("fragment %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestLogsRawText(t *testing.T) {
	t.Parallel()
	ag := &fakeAgent{}
	h := newTestAPI(t, ag, Options{})

	req := httptest.NewRequest(http.MethodPost, "/logs", strings.NewReader("ERROR: disk full"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(correlationHeader) == "" {
		t.Fatal("missing correlation ID header")
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp["status"] != "accepted" {
		t.Fatalf("status field = %v", resp["status"])
	}
	if got := ag.ingested(); len(got) != 1 || got[0] != "ERROR: disk full" {
		t.Fatalf("ingested = %v", got)
	}
}

func TestLogsConcatenatedFragments(t *testing.T) {
	t.Parallel()
	ag := &fakeAgent{}
	h := newTestAPI(t, ag, Options{})

	body := `{"log":"first"}{"log":"second"}`
	req := httptest.NewRequest(http.MethodPost, "/logs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if got := ag.ingested(); len(got) != 2 {
		t.Fatalf("dispatched %d fragments, want 2: %v", len(got), got)
	}
}

func TestLogsPartialValidity(t *testing.T) {
	t.Parallel()
	ag := &fakeAgent{}
	h := newTestAPI(t, ag, Options{})

	body := `{"log":"good"}{not json at all}`
	req := httptest.NewRequest(http.MethodPost, "/logs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if got := ag.ingested(); len(got) != 1 || got[0] != `{"log":"good"}` {
		t.Fatalf("ingested = %v", got)
	}
}

func TestLogsAllFragmentsInvalid(t *testing.T) {
	t.Parallel()
	ag := &fakeAgent{}
	h := newTestAPI(t, ag, Options{})

	req := httptest.NewRequest(http.MethodPost, "/logs", strings.NewReader(`{bad}{worse}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(ag.ingested()) != 0 {
		t.Fatal("invalid fragments were dispatched")
	}
}

func TestLogsEmptyBody(t *testing.T) {
	t.Parallel()
	h := newTestAPI(t, &fakeAgent{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/logs", strings.NewReader("   "))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestLogsOversizeBody(t *testing.T) {
	t.Parallel()
	h := newTestAPI(t, &fakeAgent{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/logs", strings.NewReader(strings.Repeat("x", maxLogBody+1)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestLogsRateLimited(t *testing.T) {
	t.Parallel()
	ag := &fakeAgent{}
	h := newTestAPI(t, ag, Options{RateMax: 2, RateWindow: time.Hour})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/logs", strings.NewReader("line"))
		req.RemoteAddr = "10.1.1.1:9999"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/logs", strings.NewReader("line"))
	req.RemoteAddr = "10.1.1.1:9999"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}

	// a different client is unaffected
	req = httptest.NewRequest(http.MethodPost, "/logs", strings.NewReader("line"))
	req.RemoteAddr = "10.2.2.2:9999"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("other client status = %d, want 202", rec.Code)
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	t.Parallel()
	l := newRateLimiter(time.Minute, 2)
	base := time.Now()

	if !l.allow("a", base) || !l.allow("a", base) {
		t.Fatal("first two requests should pass")
	}
	if l.allow("a", base.Add(time.Second)) {
		t.Fatal("third request inside window should be limited")
	}
	if !l.allow("a", base.Add(61*time.Second)) {
		t.Fatal("request after window boundary should pass")
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	h := newTestAPI(t, &fakeAgent{}, Options{Version: "1.2.3", Workers: WorkerCounts{Triage: 2, Investigation: 2}})

	req := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Version != "1.2.3" || resp.Workers.Triage != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Scheduler.Running != 1 || resp.Scheduler.Queued != 2 {
		t.Fatalf("scheduler snapshot = %+v", resp.Scheduler)
	}
	if resp.UptimeSeconds != 42 {
		t.Fatalf("uptime = %v", resp.UptimeSeconds)
	}
}

func TestChat(t *testing.T) {
	t.Parallel()
	ag := &fakeAgent{chatReply: "the db is down"}
	h := newTestAPI(t, ag, Options{})

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"what broke?"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "the db is down" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestChatValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty message", `{"message":"  "}`, http.StatusBadRequest},
		{"not json", `what broke?`, http.StatusBadRequest},
		{"oversize", `{"message":"` + strings.Repeat("x", maxChatBody) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newTestAPI(t, &fakeAgent{}, Options{})
			req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestChatTruncatesLongMessage(t *testing.T) {
	t.Parallel()
	ag := &fakeAgent{chatReply: "ok"}
	h := newTestAPI(t, ag, Options{})

	msg := strings.Repeat("y", maxChatMsg+500)
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"`+msg+`"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(ag.lastMsg) != maxChatMsg {
		t.Fatalf("message length = %d, want %d", len(ag.lastMsg), maxChatMsg)
	}
}

func TestSocketGetLogs(t *testing.T) {
	t.Parallel()
	ag := &fakeAgent{lines: []string{"one", "two"}}
	path := filepath.Join(t.TempDir(), "test.sock")
	srv := NewSocketServer(path, ag, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write([]byte("get_logs\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var logs []string
	if err := json.Unmarshal([]byte(line), &logs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(logs) != 2 || logs[0] != "one" {
		t.Fatalf("logs = %v", logs)
	}
}

func TestSocketUnknownCommand(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.sock")
	srv := NewSocketServer(path, &fakeAgent{}, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_, _ = conn.Write([]byte("rm_rf\n"))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(line, "unknown command") {
		t.Fatalf("reply = %q", line)
	}
}
