// Package triage runs the first tier of the worker fabric: a fixed pool
// of supervised workers that classify every ingested log line as routine
// or anomalous, escalating anomalies upstream.
package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/seraph/internal/model"
	"github.com/linnemanlabs/seraph/internal/tools"
)

const (
	// maxLogChars drops pathological lines before any processing.
	maxLogChars = 10000

	// truncateChars bounds what reaches the model.
	truncateChars = 1500

	responseTokens = 1024

	maxRestarts  = 5
	restartDelay = 5 * time.Second

	mailboxDepth = 64
)

// Finding is an anomaly escalated by a triage worker.
type Finding struct {
	Log    string
	Reason string
}

// Config tunes the pool. Workers is the process-wide worker budget; the
// triage tier takes the lower half of it.
type Config struct {
	Workers         int
	PreFilters      []string
	RestartDelay    time.Duration // zero means 5s
	DisableRoutine  bool          // test hook
	TriageSystemMsg string        // zero means the built-in prompt
}

// PoolSize returns the triage share of the worker budget.
func PoolSize(workers int) int {
	n := workers / 2
	if n < 1 {
		n = 1
	}
	return n
}

// Pool dispatches logs round-robin to long-lived workers, restarting any
// worker that dies abnormally.
type Pool struct {
	cfg        Config
	mdl        model.Model
	logger     log.Logger
	metrics    *Metrics
	onAlert    func(context.Context, Finding)
	preFilters []*regexp.Regexp

	workers []*worker
	next    int
	nextMu  sync.Mutex
	wg      sync.WaitGroup
}

type worker struct {
	id      int
	mailbox chan string
}

// NewPool builds the pool. onAlert receives every escalated anomaly and
// must be safe for concurrent use.
func NewPool(cfg Config, mdl model.Model, logger log.Logger, metrics *Metrics, onAlert func(context.Context, Finding)) *Pool {
	size := PoolSize(cfg.Workers)
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = restartDelay
	}
	p := &Pool{
		cfg:        cfg,
		mdl:        mdl,
		logger:     logger.With("component", "triage"),
		metrics:    metrics,
		onAlert:    onAlert,
		preFilters: compilePatterns(context.Background(), cfg.PreFilters, logger),
		workers:    make([]*worker, size),
	}
	for i := range p.workers {
		p.workers[i] = &worker{id: i, mailbox: make(chan string, mailboxDepth)}
	}
	return p
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int { return len(p.workers) }

// Start launches all workers under supervision. Workers stop when ctx is
// cancelled or Stop closes their mailboxes.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *worker) {
			defer p.wg.Done()
			p.supervise(ctx, w)
		}(w)
	}
	p.logger.Info(ctx, "triage pool started", "workers", len(p.workers))
}

// Stop closes the mailboxes and waits for in-flight work to finish.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		close(w.mailbox)
	}
	p.wg.Wait()
}

// Submit routes one log line to a worker. Pre-filtered lines and lines
// hitting a full mailbox are dropped; the return value reports whether
// the line reached a mailbox.
func (p *Pool) Submit(line string) bool {
	for _, re := range p.preFilters {
		if re.MatchString(line) {
			p.metrics.outcome("prefiltered")
			return false
		}
	}

	p.nextMu.Lock()
	w := p.workers[p.next%len(p.workers)]
	p.next++
	p.nextMu.Unlock()

	select {
	case w.mailbox <- line:
		return true
	default:
		p.metrics.outcome("dropped-backlog")
		return false
	}
}

// supervise restarts the worker loop on abnormal termination, giving up
// after maxRestarts consecutive crashes.
func (p *Pool) supervise(ctx context.Context, w *worker) {
	restarts := 0
	for {
		processed, clean := p.runWorker(ctx, w)
		if clean {
			return
		}
		if processed > 0 {
			restarts = 0
		}
		restarts++
		p.metrics.restart()
		if restarts > maxRestarts {
			p.logger.Warn(ctx, "triage worker exceeded restart budget", "worker", w.id, "restarts", restarts-1)
			return
		}
		p.logger.Warn(ctx, "restarting triage worker", "worker", w.id, "attempt", restarts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.RestartDelay):
		}
	}
}

// runWorker drains the mailbox until it closes or ctx ends. A panic in
// processing is converted into an abnormal return for the supervisor.
func (p *Pool) runWorker(ctx context.Context, w *worker) (processed int, clean bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(ctx, fmt.Errorf("panic: %v", r), "triage worker crashed", "worker", w.id)
			clean = false
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return processed, true
		case line, ok := <-w.mailbox:
			if !ok {
				return processed, true
			}
			p.process(ctx, line)
			processed++
		}
	}
}

func (p *Pool) process(ctx context.Context, line string) {
	start := time.Now()
	decision, reason := p.triageOne(ctx, line)
	p.metrics.processed(decision, time.Since(start))

	if decision == "alert" {
		p.onAlert(ctx, Finding{Log: line, Reason: reason})
	}
}

// triageOne runs the per-log pipeline: size gate, envelope unwrap,
// routine filter, truncation, model call, interpretation.
func (p *Pool) triageOne(ctx context.Context, line string) (decision, reason string) {
	if len(line) == 0 || len(line) > maxLogChars {
		return "ok", "skip-oversize"
	}

	content := extractContent(line)
	if !p.cfg.DisableRoutine && isRoutine(content) {
		return "ok", "routine"
	}
	if len(content) > truncateChars {
		content = content[:truncateChars]
	}

	resp, err := p.mdl.Generate(ctx, &model.Request{
		MaxTokens: responseTokens,
		System:    p.systemPrompt(),
		Messages:  []model.Message{model.UserText("Triage this log line:\n\n" + content)},
		Tools:     []tools.ToolDef{triageToolDef},
	})
	if err != nil {
		p.logger.Error(ctx, err, "triage model call failed")
		return "ok", "triage-error"
	}
	return interpret(resp)
}

func (p *Pool) systemPrompt() string {
	if p.cfg.TriageSystemMsg != "" {
		return p.cfg.TriageSystemMsg
	}
	return `You are Seraph, an autonomous SRE agent. You receive one log line at a time from production systems and decide whether it indicates an anomaly worth investigating.

Call the log_triage tool with decision "alert" for errors, crashes, resource exhaustion, repeated failures, or anything an on-call engineer should see. Use "ok" for normal operational output. Give a short reason either way.`
}

var triageToolDef = tools.ToolDef{
	Name:        "log_triage",
	Description: "Record the triage decision for the log line.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"decision": {"type": "string", "enum": ["alert", "ok"]},
			"reason": {"type": "string"}
		},
		"required": ["decision", "reason"]
	}`),
}

var (
	decisionPattern = regexp.MustCompile(`(?i)decision\s*[=:]\s*"?(alert|ok)"?`)
	reasonPattern   = regexp.MustCompile(`(?i)reason\s*[=:]\s*"?([^"\n]+)"?`)
)

// interpret resolves the model output into a decision, preferring the
// tool call, then an explicit decision= marker in the text, then a
// legacy keyword scan, and finally a safe default.
func interpret(resp *model.Response) (decision, reason string) {
	for _, call := range resp.ToolCalls() {
		if call.Name != triageToolDef.Name {
			continue
		}
		var args struct {
			Decision string `json:"decision"`
			Reason   string `json:"reason"`
		}
		if err := json.Unmarshal(call.Input, &args); err == nil && (args.Decision == "alert" || args.Decision == "ok") {
			return args.Decision, args.Reason
		}
	}

	text := resp.Text()
	if m := decisionPattern.FindStringSubmatch(text); m != nil {
		reason := ""
		if rm := reasonPattern.FindStringSubmatch(text); rm != nil {
			reason = strings.TrimSpace(rm[1])
		}
		return strings.ToLower(m[1]), reason
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "no anomal"), strings.Contains(lower, "looks normal"), strings.Contains(lower, "routine"):
		return "ok", firstLine(text)
	case strings.Contains(lower, "anomal"), strings.Contains(lower, "alert"), strings.Contains(lower, "critical"):
		return "alert", firstLine(text)
	}
	return "ok", "no clear indicators"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
