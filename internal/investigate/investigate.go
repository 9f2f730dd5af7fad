// Package investigate runs the second tier of the worker fabric: a fixed
// pool of supervised workers, each executing a bounded reason-act loop
// over the tool broker to produce a structured root-cause analysis.
package investigate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/seraph/internal/alertsink"
	"github.com/linnemanlabs/seraph/internal/llmcache"
	"github.com/linnemanlabs/seraph/internal/model"
	"github.com/linnemanlabs/seraph/internal/tools"
)

const (
	// MaxTurns bounds the reason-act loop.
	MaxTurns = 5

	// BrokerTimeout is how long a worker waits for a tool_result before
	// recording the timeout as an observation and moving on.
	BrokerTimeout = 10 * time.Second

	responseTokens = 4096

	maxRestarts  = 5
	restartDelay = 5 * time.Second

	// patternConfidenceFloor filters which remembered patterns are
	// worth citing in the initial context.
	patternConfidenceFloor = 0.3

	contextIncidents = 5
	contextQueries   = 5
)

// Assignment is one investigation handed to a worker.
type Assignment struct {
	InvestigationID string
	Log             string
	Reason          string
	SessionID       string
}

// ToolRequest is a worker's execute_tool message to the broker. Reply
// must be buffered so a late result never blocks the broker.
type ToolRequest struct {
	InvestigationID string
	Tool            string
	Args            json.RawMessage
	Reply           chan ToolResult
}

// ToolResult is the broker's answer to a ToolRequest.
type ToolResult struct {
	Data    string
	IsError bool
}

// Completion is the terminal message of an investigation.
type Completion struct {
	InvestigationID string
	Trace           string
	Analysis        *alertsink.Analysis
	ToolUsage       []alertsink.ToolUse
}

// Config tunes the pool. Workers is the process-wide worker budget; the
// investigation tier takes the upper half of it.
type Config struct {
	Workers      int
	RestartDelay time.Duration // zero means 5s
}

// PoolSize returns the investigation share of the worker budget.
func PoolSize(workers int) int {
	n := (workers + 1) / 2
	if n < 1 {
		n = 1
	}
	return n
}

// Pool owns the investigation workers. Assignments are accepted only
// while a worker is free; admission control above the pool keeps the
// running count within budget.
type Pool struct {
	cfg      Config
	mdl      model.Model
	registry *tools.Registry
	cache    llmcache.Cache
	logger   log.Logger
	metrics  *Metrics

	broker        chan<- ToolRequest
	completions   chan<- Completion
	brokerTimeout time.Duration

	free chan *worker
	wg   sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

type worker struct {
	id      int
	mailbox chan Assignment
}

// NewPool builds the pool. Tool requests flow out on broker and results
// of finished investigations on completions; both are owned by the
// scheduler.
func NewPool(cfg Config, mdl model.Model, registry *tools.Registry, cache llmcache.Cache,
	logger log.Logger, metrics *Metrics, broker chan<- ToolRequest, completions chan<- Completion) *Pool {
	size := PoolSize(cfg.Workers)
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = restartDelay
	}
	p := &Pool{
		cfg:           cfg,
		mdl:           mdl,
		registry:      registry,
		cache:         cache,
		logger:        logger.With("component", "investigate"),
		metrics:       metrics,
		broker:        broker,
		completions:   completions,
		brokerTimeout: BrokerTimeout,
		free:          make(chan *worker, size),
		cancels:       make(map[string]context.CancelFunc),
	}
	for i := 0; i < size; i++ {
		p.free <- &worker{id: i, mailbox: make(chan Assignment, 1)}
	}
	return p
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int { return cap(p.free) }

// Assign hands the investigation to a free worker. It reports false when
// every worker is busy.
func (p *Pool) Assign(ctx context.Context, a Assignment) bool {
	select {
	case w := <-p.free:
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.supervise(ctx, w, a)
			p.free <- w
		}()
		return true
	default:
		return false
	}
}

// Cancel terminates the named investigation, if running. Used for
// preemption and timeout.
func (p *Pool) Cancel(investigationID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[investigationID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until all in-flight investigations have finished.
func (p *Pool) Wait() { p.wg.Wait() }

// supervise reruns a crashed investigation until the restart budget is
// spent. Cancelled investigations are not retried.
func (p *Pool) supervise(ctx context.Context, w *worker, a Assignment) {
	for restarts := 0; ; restarts++ {
		crashed := p.runOne(ctx, w, a)
		if !crashed || ctx.Err() != nil {
			return
		}
		p.metrics.restart()
		if restarts >= maxRestarts {
			p.logger.Warn(ctx, "investigation exceeded restart budget",
				"investigation_id", a.InvestigationID, "restarts", restarts)
			p.emit(Completion{
				InvestigationID: a.InvestigationID,
				Trace:           "investigation aborted: worker crashed repeatedly",
				Analysis:        &alertsink.Analysis{RootCauseAnalysis: "investigation failed: repeated worker crashes"},
			})
			return
		}
		p.logger.Warn(ctx, "restarting crashed investigation",
			"investigation_id", a.InvestigationID, "attempt", restarts+1, "worker", w.id)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.RestartDelay):
		}
	}
}

// runOne executes a single investigation, reporting whether it crashed.
func (p *Pool) runOne(ctx context.Context, w *worker, a Assignment) (crashed bool) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancels[a.InvestigationID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, a.InvestigationID)
		p.mu.Unlock()
		if r := recover(); r != nil {
			p.logger.Error(ctx, fmt.Errorf("panic: %v", r), "investigation worker crashed",
				"investigation_id", a.InvestigationID, "worker", w.id)
			crashed = true
		}
	}()

	p.investigate(runCtx, a)
	return false
}

func (p *Pool) emit(c Completion) {
	p.completions <- c
}

// investigate is the bounded reason-act loop.
func (p *Pool) investigate(ctx context.Context, a Assignment) {
	start := time.Now()
	L := p.logger.With("investigation_id", a.InvestigationID)

	var (
		scratchpad []string
		usage      []alertsink.ToolUse
		analysis   *alertsink.Analysis
	)

	messages := []model.Message{model.UserText(p.initialPrompt(ctx, a))}
	defs := append(p.registry.ToToolDefs(), finishToolDef)

	turns := 0
	for turns = 1; turns <= MaxTurns; turns++ {
		if ctx.Err() != nil {
			L.Info(ctx, "investigation cancelled", "turn", turns)
			return
		}

		resp, err := p.mdl.Generate(ctx, &model.Request{
			MaxTokens: responseTokens,
			System:    investigationSystemPrompt,
			Messages:  messages,
			Tools:     defs,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			L.Error(ctx, err, "investigation model call failed", "turn", turns)
			scratchpad = append(scratchpad, fmt.Sprintf("turn %d: model call failed: %v", turns, err))
			break
		}
		messages = append(messages, model.Message{Role: "assistant", Content: resp.Content})

		if done, a2 := finishCall(resp); done {
			analysis = a2
			scratchpad = append(scratchpad, fmt.Sprintf("turn %d: FINISH", turns))
			break
		}

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			thought := resp.Text()
			scratchpad = append(scratchpad, fmt.Sprintf("turn %d: thought: %s", turns, thought))
			messages = append(messages, model.UserText("Continue the investigation. Call a tool, or call FINISH with your structured analysis."))
			continue
		}

		var results []model.ContentBlock
		for _, call := range calls {
			obs, use := p.executeTool(ctx, a.InvestigationID, call)
			usage = append(usage, use)
			scratchpad = append(scratchpad, fmt.Sprintf("turn %d: %s -> %s", turns, call.Name, firstLine(obs.Content)))
			obs.ToolUseID = call.ID
			results = append(results, obs)
		}
		messages = append(messages, model.Message{Role: "user", Content: results})
	}

	trace := strings.Join(scratchpad, "\n")
	if analysis == nil {
		analysis = p.synthesize(ctx, a, trace)
	}
	if ctx.Err() != nil {
		return
	}

	p.metrics.completed(time.Since(start), turns, len(usage))
	L.Info(ctx, "investigation complete",
		"turns", turns,
		"tool_calls", len(usage),
		"duration", time.Since(start).Seconds(),
	)
	p.emit(Completion{
		InvestigationID: a.InvestigationID,
		Trace:           trace,
		Analysis:        analysis,
		ToolUsage:       usage,
	})
}

// executeTool round-trips one call through the broker, converting a
// broker timeout into an observation rather than a failure.
func (p *Pool) executeTool(ctx context.Context, investigationID string, call model.ToolCall) (model.ContentBlock, alertsink.ToolUse) {
	started := time.Now()
	req := ToolRequest{
		InvestigationID: investigationID,
		Tool:            call.Name,
		Args:            call.Input,
		Reply:           make(chan ToolResult, 1),
	}

	block := model.ContentBlock{Type: "tool_result"}
	select {
	case p.broker <- req:
	case <-ctx.Done():
		block.Content = "investigation cancelled"
		block.IsError = true
		return block, alertsink.ToolUse{Tool: call.Name, Timestamp: started, IsError: true}
	}

	timer := time.NewTimer(p.brokerTimeout)
	defer timer.Stop()
	select {
	case res := <-req.Reply:
		block.Content = res.Data
		block.IsError = res.IsError
	case <-timer.C:
		p.metrics.toolTimeout()
		block.Content = fmt.Sprintf("tool %s timed out after %s", call.Name, p.brokerTimeout)
		block.IsError = true
	case <-ctx.Done():
		block.Content = "investigation cancelled"
		block.IsError = true
	}
	return block, alertsink.ToolUse{
		Tool:      call.Name,
		Timestamp: started,
		Duration:  time.Since(started),
		IsError:   block.IsError,
	}
}

// synthesize asks the model for a structured analysis of the scratchpad
// when the loop ended without FINISH.
func (p *Pool) synthesize(ctx context.Context, a Assignment, trace string) *alertsink.Analysis {
	prompt := fmt.Sprintf(`The investigation of this anomaly ran out of turns.

Log: %s
Reason: %s

Investigation notes:
%s

Summarize your findings as a JSON object with keys "rootCauseAnalysis", "impactAssessment", "suggestedRemediation" (array of strings), and "lessonsLearned" (array of strings). Reply with the JSON only.`,
		a.Log, a.Reason, trace)

	resp, err := p.mdl.Generate(ctx, &model.Request{
		MaxTokens: responseTokens,
		System:    investigationSystemPrompt,
		Messages:  []model.Message{model.UserText(prompt)},
	})
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error(ctx, err, "synthesis call failed", "investigation_id", a.InvestigationID)
		}
		return &alertsink.Analysis{
			RootCauseAnalysis: "analysis unavailable: synthesis failed",
			ImpactAssessment:  "unknown",
		}
	}
	return extractAnalysis(resp.Text())
}

// initialPrompt enriches the raw anomaly with what the memory knows:
// recent similar incidents, this session's queries, and recurring
// patterns.
func (p *Pool) initialPrompt(ctx context.Context, a Assignment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Investigate this anomaly.\n\nLog:\n%s\n\nTriage reason: %s\n", a.Log, a.Reason)

	if incidents := p.cache.RecentIncidents(ctx, contextIncidents); len(incidents) > 0 {
		b.WriteString("\nRecent incidents:\n")
		for _, inc := range incidents {
			fmt.Fprintf(&b, "- [%s] %s\n", inc.Timestamp.Format(time.RFC3339), inc.Reason)
		}
	}
	if a.SessionID != "" {
		if queries := p.cache.RecentSessionQueries(ctx, a.SessionID, contextQueries); len(queries) > 0 {
			b.WriteString("\nRecent session queries:\n")
			for _, q := range queries {
				fmt.Fprintf(&b, "- %s\n", q)
			}
		}
	}
	if patterns := p.cache.PatternsAbove(ctx, patternConfidenceFloor); len(patterns) > 0 {
		b.WriteString("\nKnown recurring patterns:\n")
		for _, pat := range patterns {
			fmt.Fprintf(&b, "- %s (seen %d times)\n", pat.Signature, pat.Frequency)
		}
	}

	b.WriteString("\nUse the available tools to gather evidence, then call FINISH with your structured analysis.")
	return b.String()
}

const investigationSystemPrompt = `You are Seraph, an autonomous SRE agent investigating a production anomaly. Work step by step: form a hypothesis, gather evidence with the available tools, and refine. When you understand the incident, call the FINISH tool with your root cause analysis, impact assessment, suggested remediation steps, and lessons learned. You have a limited number of turns; be economical.`

var finishToolDef = tools.ToolDef{
	Name:        "FINISH",
	Description: "Conclude the investigation with a structured analysis.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"rootCauseAnalysis": {"type": "string"},
			"impactAssessment": {"type": "string"},
			"suggestedRemediation": {"type": "array", "items": {"type": "string"}},
			"lessonsLearned": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["rootCauseAnalysis", "impactAssessment"]
	}`),
}

// finishCall extracts the FINISH analysis if the response contains one.
func finishCall(resp *model.Response) (bool, *alertsink.Analysis) {
	for _, call := range resp.ToolCalls() {
		if call.Name != finishToolDef.Name {
			continue
		}
		var a alertsink.Analysis
		if err := json.Unmarshal(call.Input, &a); err == nil {
			return true, &a
		}
		return true, &alertsink.Analysis{RootCauseAnalysis: string(call.Input)}
	}
	return false, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 160 {
		s = s[:160]
	}
	return s
}
