package investigate

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/seraph/internal/llmcache"
	"github.com/linnemanlabs/seraph/internal/model"
	"github.com/linnemanlabs/seraph/internal/tools"
)

// sequenceModel plays back responses in order, repeating the last one.
type sequenceModel struct {
	mu    sync.Mutex
	resps []*model.Response
	calls int
}

func (m *sequenceModel) Generate(context.Context, *model.Request) (*model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i >= len(m.resps) {
		i = len(m.resps) - 1
	}
	return m.resps[i], nil
}

func finishResponse(root, impact string) *model.Response {
	input, _ := json.Marshal(map[string]any{
		"rootCauseAnalysis":    root,
		"impactAssessment":     impact,
		"suggestedRemediation": []string{"restart the pod"},
	})
	return &model.Response{
		Content:    []model.ContentBlock{{Type: "tool_use", ID: "f1", Name: "FINISH", Input: input}},
		StopReason: model.StopToolUse,
	}
}

func toolCallResponse(id, name, args string) *model.Response {
	return &model.Response{
		Content:    []model.ContentBlock{{Type: "tool_use", ID: id, Name: name, Input: json.RawMessage(args)}},
		StopReason: model.StopToolUse,
	}
}

func textResponse(text string) *model.Response {
	return &model.Response{
		Content:    []model.ContentBlock{{Type: "text", Text: text}},
		StopReason: model.StopEnd,
	}
}

type echoTool struct{ name string }

func (t *echoTool) Name() string                { return t.name }
func (t *echoTool) Description() string         { return "echoes input" }
func (t *echoTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *echoTool) Execute(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage("echo:" + string(input)), nil
}

func newTestPool(t *testing.T, mdl model.Model) (*Pool, chan ToolRequest, chan Completion) {
	t.Helper()
	reg := tools.NewRegistry()
	reg.Register(&echoTool{name: "query_metrics"})
	broker := make(chan ToolRequest, 8)
	completions := make(chan Completion, 8)
	p := NewPool(Config{Workers: 2, RestartDelay: 10 * time.Millisecond},
		mdl, reg, llmcache.Nop{}, log.Nop(), nil, broker, completions)
	return p, broker, completions
}

// serveBroker answers broker requests like the scheduler would.
func serveBroker(ctx context.Context, broker chan ToolRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-broker:
			req.Reply <- ToolResult{Data: "metric value 42"}
		}
	}
}

func awaitCompletion(t *testing.T, completions chan Completion) Completion {
	t.Helper()
	select {
	case c := <-completions:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no completion")
		return Completion{}
	}
}

func TestPoolSize(t *testing.T) {
	t.Parallel()

	cases := []struct{ workers, want int }{
		{0, 1}, {1, 1}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {10, 5},
	}
	for _, tc := range cases {
		if got := PoolSize(tc.workers); got != tc.want {
			t.Errorf("PoolSize(%d) = %d, want %d", tc.workers, got, tc.want)
		}
	}
}

func TestFinishShortCircuits(t *testing.T) {
	t.Parallel()

	mdl := &sequenceModel{resps: []*model.Response{finishResponse("pool exhausted", "high latency")}}
	p, _, completions := newTestPool(t, mdl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !p.Assign(ctx, Assignment{InvestigationID: "inv-1", Log: "l", Reason: "r"}) {
		t.Fatal("assign rejected")
	}

	c := awaitCompletion(t, completions)
	if c.InvestigationID != "inv-1" {
		t.Errorf("investigation id = %q", c.InvestigationID)
	}
	if c.Analysis.RootCauseAnalysis != "pool exhausted" {
		t.Errorf("root cause = %q", c.Analysis.RootCauseAnalysis)
	}
	if len(c.Analysis.SuggestedRemediation) != 1 {
		t.Errorf("remediation = %v", c.Analysis.SuggestedRemediation)
	}
	if mdl.calls != 1 {
		t.Errorf("model calls = %d, want 1", mdl.calls)
	}
}

func TestToolRoundTripThenFinish(t *testing.T) {
	t.Parallel()

	mdl := &sequenceModel{resps: []*model.Response{
		toolCallResponse("t1", "query_metrics", `{"query":"up"}`),
		finishResponse("node down", "partial outage"),
	}}
	p, broker, completions := newTestPool(t, mdl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serveBroker(ctx, broker)

	p.Assign(ctx, Assignment{InvestigationID: "inv-2", Log: "l", Reason: "r"})
	c := awaitCompletion(t, completions)

	if len(c.ToolUsage) != 1 || c.ToolUsage[0].Tool != "query_metrics" {
		t.Fatalf("tool usage = %+v", c.ToolUsage)
	}
	if c.ToolUsage[0].IsError {
		t.Error("tool round trip flagged as error")
	}
	if !strings.Contains(c.Trace, "query_metrics") {
		t.Errorf("trace = %q", c.Trace)
	}
}

func TestBrokerTimeoutBecomesObservation(t *testing.T) {
	t.Parallel()

	mdl := &sequenceModel{resps: []*model.Response{toolCallResponse("t1", "query_metrics", `{}`)}}
	reg := tools.NewRegistry()
	broker := make(chan ToolRequest, 1)
	completions := make(chan Completion, 1)
	p := NewPool(Config{Workers: 2}, mdl, reg, llmcache.Nop{}, log.Nop(), nil, broker, completions)
	p.brokerTimeout = 50 * time.Millisecond

	call := model.ToolCall{ID: "t1", Name: "query_metrics", Input: json.RawMessage(`{}`)}

	done := make(chan struct{})
	var block model.ContentBlock
	go func() {
		block, _ = p.executeTool(context.Background(), "inv-3", call)
		close(done)
	}()
	<-broker // swallow the request, never reply

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("executeTool did not time out")
	}
	if !block.IsError || !strings.Contains(block.Content, "timed out") {
		t.Errorf("timeout observation = %+v", block)
	}
}

func TestSynthesisWhenTurnsExhausted(t *testing.T) {
	t.Parallel()

	// every turn is free text, then the synthesis call returns JSON
	resps := make([]*model.Response, 0, MaxTurns+1)
	for i := 0; i < MaxTurns; i++ {
		resps = append(resps, textResponse("still thinking"))
	}
	resps = append(resps, textResponse("```json\n{\"rootCauseAnalysis\":\"cache stampede\",\"impactAssessment\":\"elevated p99\"}\n```"))
	mdl := &sequenceModel{resps: resps}
	p, _, completions := newTestPool(t, mdl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Assign(ctx, Assignment{InvestigationID: "inv-4", Log: "l", Reason: "r"})

	c := awaitCompletion(t, completions)
	if c.Analysis.RootCauseAnalysis != "cache stampede" {
		t.Errorf("root cause = %q", c.Analysis.RootCauseAnalysis)
	}
	if mdl.calls != MaxTurns+1 {
		t.Errorf("model calls = %d, want %d", mdl.calls, MaxTurns+1)
	}
}

func TestCancelSuppressesCompletion(t *testing.T) {
	t.Parallel()

	blocker := make(chan struct{})
	mdl := modelFunc(func(ctx context.Context, _ *model.Request) (*model.Response, error) {
		select {
		case <-blocker:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return textResponse("x"), nil
	})
	p, _, completions := newTestPool(t, mdl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Assign(ctx, Assignment{InvestigationID: "inv-5", Log: "l", Reason: "r"})

	// wait for registration, then cancel it
	deadline := time.After(2 * time.Second)
	for !p.Cancel("inv-5") {
		select {
		case <-deadline:
			t.Fatal("investigation never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	p.Wait()

	select {
	case c := <-completions:
		t.Fatalf("cancelled investigation emitted completion %+v", c)
	default:
	}

	// the worker slot is free again
	close(blocker)
	if !p.Assign(ctx, Assignment{InvestigationID: "inv-6", Log: "l", Reason: "r"}) {
		t.Error("worker not returned to pool after cancellation")
	}
}

func TestAssignRejectsWhenBusy(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	mdl := modelFunc(func(ctx context.Context, _ *model.Request) (*model.Response, error) {
		<-block
		return finishResponse("r", "i"), nil
	})
	p, _, completions := newTestPool(t, mdl) // 1 worker

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !p.Assign(ctx, Assignment{InvestigationID: "a", Log: "l", Reason: "r"}) {
		t.Fatal("first assign rejected")
	}
	if p.Assign(ctx, Assignment{InvestigationID: "b", Log: "l", Reason: "r"}) {
		t.Fatal("second assign accepted with busy pool")
	}
	close(block)
	awaitCompletion(t, completions)
}

type modelFunc func(context.Context, *model.Request) (*model.Response, error)

func (f modelFunc) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	return f(ctx, req)
}
