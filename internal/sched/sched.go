// Package sched is the concurrency core: a single event-loop goroutine
// that owns admission (dedup, prioritization, burst, preemption), the
// priority queue, the running-investigation table, and the tool broker.
// Every shared structure is mutated only from the loop.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/seraph/internal/alertsink"
	"github.com/linnemanlabs/seraph/internal/investigate"
	"github.com/linnemanlabs/seraph/internal/llmcache"
	"github.com/linnemanlabs/seraph/internal/priority"
	"github.com/linnemanlabs/seraph/internal/report"
	"github.com/linnemanlabs/seraph/internal/tools"
)

const (
	defaultQueueCapacity        = 100
	defaultDedupWindow          = 5 * time.Minute
	defaultInvestigationTimeout = 5 * time.Minute
	defaultDrainTick            = 2 * time.Second
	defaultAgingTick            = 30 * time.Second
	defaultBurstMaxDuration     = 10 * time.Minute
	defaultPreemptionThreshold  = 2

	submissionBuffer = 256

	incidentIDKey = "incidentId"
)

// Submission is a triage-confirmed anomaly entering admission.
type Submission struct {
	Log       string
	Reason    string
	SessionID string
	Metadata  map[string]string
}

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrent caps simultaneous investigations outside burst mode.
	// Zero means half the investigation pool, minimum 1.
	MaxConcurrent int

	QueueCapacity        int           // zero means 100
	DedupWindow          time.Duration // zero means 5m
	InvestigationTimeout time.Duration // zero means 5m
	DrainTick            time.Duration // zero means 2s
	AgingTick            time.Duration // zero means 30s

	BurstEnabled bool

	// BurstThreshold is the activation bound; alerts at or above it
	// trigger burst mode. Nil means High.
	BurstThreshold *priority.Level

	// BurstConcurrency caps simultaneous investigations while burst is
	// active. Zero means the full investigation pool.
	BurstConcurrency int

	BurstMaxDuration time.Duration // zero means 10m

	PreemptionEnabled   bool
	PreemptionThreshold int // level gap, zero means 2
}

func (c Config) withDefaults(poolSize int) Config {
	out := c
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = poolSize / 2
	}
	if out.MaxConcurrent < 1 {
		out.MaxConcurrent = 1
	}
	if out.MaxConcurrent > poolSize {
		out.MaxConcurrent = poolSize
	}
	if out.QueueCapacity <= 0 {
		out.QueueCapacity = defaultQueueCapacity
	}
	if out.DedupWindow <= 0 {
		out.DedupWindow = defaultDedupWindow
	}
	if out.InvestigationTimeout <= 0 {
		out.InvestigationTimeout = defaultInvestigationTimeout
	}
	if out.DrainTick <= 0 {
		out.DrainTick = defaultDrainTick
	}
	if out.AgingTick <= 0 {
		out.AgingTick = defaultAgingTick
	}
	if out.BurstThreshold == nil {
		lvl := priority.High
		out.BurstThreshold = &lvl
	}
	if out.BurstConcurrency <= 0 || out.BurstConcurrency > poolSize {
		out.BurstConcurrency = poolSize
	}
	if out.BurstConcurrency < out.MaxConcurrent {
		out.BurstConcurrency = out.MaxConcurrent
	}
	if out.BurstMaxDuration <= 0 {
		out.BurstMaxDuration = defaultBurstMaxDuration
	}
	if out.PreemptionThreshold <= 0 {
		out.PreemptionThreshold = defaultPreemptionThreshold
	}
	return out
}

type invState string

const (
	stateStarting     invState = "starting"
	stateRunning      invState = "running"
	stateAwaitingTool invState = "awaiting-tool"
)

type running struct {
	alert      *priority.Alert
	incidentID string
	state      invState
	startedAt  time.Time
	timer      *time.Timer
	canPreempt bool
}

// Snapshot is a point-in-time view of scheduler state for /status.
type Snapshot struct {
	Running     int            `json:"running"`
	Queued      int            `json:"queued"`
	BurstActive bool           `json:"burstActive"`
	Preemptions int            `json:"preemptions"`
	ByPriority  map[string]int `json:"queuedByPriority"`
}

// Scheduler owns admission and the broker. Construct with New, then run
// the loop with Run; Submit is the only producer-facing entry point.
type Scheduler struct {
	cfg     Config
	logger  log.Logger
	metrics *Metrics

	queue    *priority.Queue
	calc     *priority.Calculator
	pool     *investigate.Pool
	registry *tools.Registry
	sink     *alertsink.Sink
	store    report.Store
	cache    llmcache.Cache

	submissions chan Submission
	broker      chan investigate.ToolRequest
	completions chan investigate.Completion
	timeouts    chan string
	toolDone    chan string
	snapReq     chan chan Snapshot

	runningSet  map[string]*running
	dedup       map[string]time.Time
	burstActive bool
	burstSince  time.Time
	preemptions int
}

// Deps bundles the collaborators the scheduler drives.
type Deps struct {
	Calc     *priority.Calculator
	Registry *tools.Registry
	Sink     *alertsink.Sink
	Store    report.Store
	Cache    llmcache.Cache
	Logger   log.Logger
	Metrics  *Metrics
}

// New builds the scheduler and the two channels the investigation pool
// needs. The caller constructs the pool with Broker() and Completions()
// and passes it back via SetPool before Run.
func New(cfg Config, deps Deps) *Scheduler {
	s := &Scheduler{
		cfg:         cfg,
		logger:      deps.Logger.With("component", "sched"),
		metrics:     deps.Metrics,
		calc:        deps.Calc,
		registry:    deps.Registry,
		sink:        deps.Sink,
		store:       deps.Store,
		cache:       deps.Cache,
		submissions: make(chan Submission, submissionBuffer),
		broker:      make(chan investigate.ToolRequest, 64),
		completions: make(chan investigate.Completion, 64),
		timeouts:    make(chan string, 64),
		toolDone:    make(chan string, 64),
		snapReq:     make(chan chan Snapshot),
		runningSet:  make(map[string]*running),
		dedup:       make(map[string]time.Time),
	}
	return s
}

// Broker is the channel investigation workers send tool requests on.
func (s *Scheduler) Broker() chan investigate.ToolRequest { return s.broker }

// Completions is the channel investigation workers report results on.
func (s *Scheduler) Completions() chan investigate.Completion { return s.completions }

// SetPool wires the investigation pool and finalizes config defaults
// that depend on its size.
func (s *Scheduler) SetPool(p *investigate.Pool) {
	s.pool = p
	s.cfg = s.cfg.withDefaults(p.Size())
	s.queue = priority.NewQueue(s.cfg.QueueCapacity)
}

// Submit hands an anomaly to the admission loop. It reports false when
// the submission buffer is full.
func (s *Scheduler) Submit(sub Submission) bool {
	select {
	case s.submissions <- sub:
		return true
	default:
		s.metrics.submission("dropped-backlog")
		return false
	}
}

// Snapshot returns current scheduler state. It round-trips through the
// loop, so it blocks until the loop services it or ctx ends.
func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case s.snapReq <- reply:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Run is the event loop. It returns after ctx is cancelled and shutdown
// housekeeping is done.
func (s *Scheduler) Run(ctx context.Context) {
	drain := time.NewTicker(s.cfg.DrainTick)
	aging := time.NewTicker(s.cfg.AgingTick)
	defer drain.Stop()
	defer aging.Stop()

	s.logger.Info(ctx, "scheduler started",
		"max_concurrent", s.cfg.MaxConcurrent,
		"queue_capacity", s.cfg.QueueCapacity,
		"burst", s.cfg.BurstEnabled,
		"preemption", s.cfg.PreemptionEnabled,
	)

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return
		case sub := <-s.submissions:
			s.handleSubmission(ctx, sub)
		case req := <-s.broker:
			s.handleToolRequest(ctx, req)
		case id := <-s.toolDone:
			s.handleToolDone(id)
		case comp := <-s.completions:
			s.handleCompletion(ctx, comp)
		case id := <-s.timeouts:
			s.handleTimeout(ctx, id)
		case <-drain.C:
			s.checkBurst(ctx)
			s.drainQueue(ctx)
			s.publishGauges()
		case <-aging.C:
			s.queue.Age(time.Now())
			s.pruneDedup(time.Now())
		case reply := <-s.snapReq:
			reply <- s.snapshot()
		}
	}
}

// handleSubmission runs the admission pipeline: dedup, prioritization,
// burst activation, preemption, then immediate start or enqueue.
func (s *Scheduler) handleSubmission(ctx context.Context, sub Submission) {
	now := time.Now()
	sig := priority.NormalizeReason(sub.Reason)
	if seen, ok := s.dedup[sig]; ok && now.Sub(seen) < s.cfg.DedupWindow {
		s.metrics.submission("skipped-duplicate")
		return
	}
	s.dedup[sig] = now

	res := s.calc.Calculate(sub.Log, sub.Reason, sub.Metadata, now)
	alert := &priority.Alert{
		ID:          uuid.NewString(),
		Log:         sub.Log,
		Reason:      sub.Reason,
		Priority:    res.Priority,
		Score:       res.Score,
		EstDuration: res.EstDuration,
		EnqueuedAt:  now,
		SessionID:   sub.SessionID,
		Metadata:    sub.Metadata,
	}

	// phase-1 alert fires on confirmation, before queueing
	incidentID, err := s.sink.SendInitialAlert(ctx, alert.Log, alert.Reason)
	if err != nil {
		s.logger.Error(ctx, err, "initial alert post failed", "incident_id", incidentID)
	}
	if alert.Metadata == nil {
		alert.Metadata = make(map[string]string)
	}
	alert.Metadata[incidentIDKey] = incidentID

	if s.cfg.BurstEnabled && !s.burstActive && alert.Priority <= *s.cfg.BurstThreshold {
		s.burstActive = true
		s.burstSince = now
		s.metrics.burst(true)
		s.logger.Info(ctx, "burst mode activated", "priority", alert.Priority.String())
	}

	if s.cfg.PreemptionEnabled && alert.Priority < priority.High {
		if victim := s.findPreemptable(alert); victim != nil {
			s.preempt(ctx, victim, alert)
			return
		}
	}

	if len(s.runningSet) < s.effectiveMax() {
		if s.start(ctx, alert) {
			s.metrics.submission("admitted")
		} else {
			s.metrics.submission("enqueued")
		}
		return
	}

	evicted, err := s.queue.Enqueue(alert)
	if err != nil {
		s.metrics.submission("dropped-queue-full")
		s.logger.Warn(ctx, "queue full, dropping alert",
			"priority", alert.Priority.String(), "score", alert.Score)
		s.resolveDropped(ctx, alert)
		return
	}
	if evicted != nil {
		s.resolveDropped(ctx, evicted)
	}
	s.metrics.submission("enqueued")
}

// findPreemptable returns the running investigation with the largest
// score gap among those whose priority trails the incoming alert by at
// least the threshold.
func (s *Scheduler) findPreemptable(incoming *priority.Alert) *running {
	var best *running
	var bestGap float64
	for _, r := range s.runningSet {
		if !r.canPreempt {
			continue
		}
		levelGap := int(r.alert.Priority) - int(incoming.Priority)
		if levelGap < s.cfg.PreemptionThreshold {
			continue
		}
		gap := r.alert.Score - incoming.Score
		if best == nil || gap > bestGap {
			best, bestGap = r, gap
		}
	}
	return best
}

// preempt terminates the victim, requeues it with a small score boost so
// it is not immediately preempted again, and starts the incoming alert
// in its slot.
func (s *Scheduler) preempt(ctx context.Context, victim *running, incoming *priority.Alert) {
	s.pool.Cancel(victim.alert.ID)
	victim.timer.Stop()
	delete(s.runningSet, victim.alert.ID)

	victim.alert.Score += 0.1
	evicted, err := s.queue.Enqueue(victim.alert)
	if err != nil {
		s.logger.Warn(ctx, "could not requeue preempted alert", "error", err)
		s.resolveDropped(ctx, victim.alert)
	} else if evicted != nil {
		s.resolveDropped(ctx, evicted)
	}
	s.preemptions++
	s.metrics.preemption()
	s.logger.Info(ctx, "preempted investigation",
		"victim", victim.alert.ID,
		"victim_priority", victim.alert.Priority.String(),
		"incoming_priority", incoming.Priority.String(),
	)

	if s.start(ctx, incoming) {
		s.metrics.submission("admitted-preempting")
	} else {
		s.metrics.submission("enqueued")
	}
}

// start hands the alert to a pool worker and arms its timeout. It
// reports false when no worker could take the assignment; the alert is
// then back in the queue (or dropped if the queue is full) and the
// caller must not keep draining.
func (s *Scheduler) start(ctx context.Context, alert *priority.Alert) bool {
	ok := s.pool.Assign(ctx, investigate.Assignment{
		InvestigationID: alert.ID,
		Log:             alert.Log,
		Reason:          alert.Reason,
		SessionID:       alert.SessionID,
	})
	if !ok {
		// a cancelled worker has not returned to the free list yet;
		// queue rather than lose it and retry on the next drain tick
		evicted, err := s.queue.Enqueue(alert)
		if err != nil {
			s.logger.Warn(ctx, "pool busy and queue full, dropping alert", "id", alert.ID)
			s.resolveDropped(ctx, alert)
		} else if evicted != nil {
			s.resolveDropped(ctx, evicted)
		}
		return false
	}

	id := alert.ID
	r := &running{
		alert:      alert,
		incidentID: alert.Metadata[incidentIDKey],
		state:      stateStarting,
		startedAt:  time.Now(),
		canPreempt: true,
	}
	r.timer = time.AfterFunc(s.cfg.InvestigationTimeout, func() {
		s.timeouts <- id
	})
	s.runningSet[id] = r
	return true
}

// resolveDropped closes out the incident of an alert that leaves the
// system without being investigated, so the sink stops heartbeating it.
func (s *Scheduler) resolveDropped(ctx context.Context, alert *priority.Alert) {
	incidentID := alert.Metadata[incidentIDKey]
	if incidentID == "" {
		return
	}
	go func() {
		bg := context.WithoutCancel(ctx)
		if err := s.sink.Resolve(bg, incidentID); err != nil {
			s.logger.Error(bg, err, "resolve on drop failed", "incident_id", incidentID)
		}
	}()
}

// handleToolRequest is the broker: reset the investigation timeout,
// resolve and validate, then execute off-loop and reply directly to the
// waiting worker.
func (s *Scheduler) handleToolRequest(ctx context.Context, req investigate.ToolRequest) {
	if r, ok := s.runningSet[req.InvestigationID]; ok {
		r.state = stateAwaitingTool
		r.timer.Reset(s.cfg.InvestigationTimeout)
	}

	tool, ok := s.registry.Get(req.Tool)
	if !ok {
		req.Reply <- investigate.ToolResult{Data: `{"error": "tool not found"}`, IsError: true}
		s.metrics.toolRequest(req.Tool, "not-found")
		return
	}
	if err := tools.ValidateArgs(req.Args); err != nil {
		req.Reply <- investigate.ToolResult{Data: fmt.Sprintf(`{"error": %q}`, err.Error()), IsError: true}
		s.metrics.toolRequest(req.Tool, "invalid-args")
		return
	}

	s.metrics.toolRequest(req.Tool, "dispatched")
	go func() {
		out, err := tool.Execute(ctx, req.Args)
		if err != nil {
			req.Reply <- investigate.ToolResult{Data: fmt.Sprintf(`{"error": %q}`, err.Error()), IsError: true}
		} else {
			req.Reply <- investigate.ToolResult{Data: string(out)}
		}
		s.toolDone <- req.InvestigationID
	}()
}

func (s *Scheduler) handleToolDone(id string) {
	if r, ok := s.runningSet[id]; ok {
		r.state = stateRunning
		r.timer.Reset(s.cfg.InvestigationTimeout)
	}
}

// handleCompletion persists the report, fires the enriched alert,
// teaches the historical layers, and frees the slot.
func (s *Scheduler) handleCompletion(ctx context.Context, comp investigate.Completion) {
	r, ok := s.runningSet[comp.InvestigationID]
	if !ok {
		// preempted or timed out while the completion was in flight
		return
	}
	r.timer.Stop()
	delete(s.runningSet, comp.InvestigationID)
	s.metrics.investigationDone("completed", time.Since(r.startedAt))

	if comp.Analysis == nil {
		comp.Analysis = &alertsink.Analysis{RootCauseAnalysis: "analysis unavailable"}
	}

	sig := priority.NormalizeReason(r.alert.Reason)
	s.calc.RecordPattern(sig)

	resolution := ""
	if len(comp.Analysis.SuggestedRemediation) > 0 {
		resolution = comp.Analysis.SuggestedRemediation[0]
	}
	s.cache.RecordPattern(ctx, r.alert.Metadata["service"], sig, r.alert.Priority.String(), resolution)
	s.cache.RecordIncident(ctx, &llmcache.Incident{
		ID:         r.incidentID,
		Log:        r.alert.Log,
		Reason:     r.alert.Reason,
		Timestamp:  time.Now().UTC(),
		Resolution: resolution,
	})

	analysisJSON, err := json.Marshal(comp.Analysis)
	if err != nil {
		analysisJSON = []byte(fmt.Sprintf("%+v", comp.Analysis))
	}
	reportID, err := s.store.Save(ctx, &report.Report{
		InitialLog:         r.alert.Log,
		TriageReason:       r.alert.Reason,
		InvestigationTrace: comp.Trace,
		FinalAnalysis:      string(analysisJSON),
	})
	if err != nil {
		s.logger.Error(ctx, err, "report save failed", "investigation_id", comp.InvestigationID)
	}

	// phase-2 alert; posted off-loop, ordering per incident is preserved
	// because phase 1 completed before this investigation started
	incidentID := r.incidentID
	go func() {
		if err := s.sink.SendEnrichedAnalysis(context.WithoutCancel(ctx), incidentID, comp.Analysis, reportID, comp.ToolUsage); err != nil {
			s.logger.Error(ctx, err, "enriched alert post failed", "incident_id", incidentID)
		}
	}()

	s.drainQueue(ctx)
}

// handleTimeout terminates a stalled investigation and alerts on it.
func (s *Scheduler) handleTimeout(ctx context.Context, id string) {
	r, ok := s.runningSet[id]
	if !ok {
		return
	}
	delete(s.runningSet, id)
	s.pool.Cancel(id)
	s.metrics.investigationDone("timed-out", time.Since(r.startedAt))
	s.logger.Warn(ctx, "investigation timed out",
		"investigation_id", id, "state", string(r.state),
		"elapsed", time.Since(r.startedAt).Seconds())

	incidentID := r.incidentID
	go func() {
		bg := context.WithoutCancel(ctx)
		if err := s.sink.SendSystemAlert(bg, alertsink.SystemEvent{
			Source:  "scheduler",
			Type:    "investigation-timeout",
			Details: fmt.Sprintf("investigation %s exceeded %s", id, s.cfg.InvestigationTimeout),
		}); err != nil {
			s.logger.Error(bg, err, "system alert post failed")
		}
		if err := s.sink.Resolve(bg, incidentID); err != nil {
			s.logger.Error(bg, err, "resolve on timeout failed", "incident_id", incidentID)
		}
	}()

	s.drainQueue(ctx)
}

// drainQueue starts queued investigations while slots are free. A
// failed start leaves the alert queued for the next drain tick, so the
// loop must stop instead of dequeuing it again.
func (s *Scheduler) drainQueue(ctx context.Context) {
	for len(s.runningSet) < s.effectiveMax() {
		alert := s.queue.Dequeue()
		if alert == nil {
			return
		}
		if !s.start(ctx, alert) {
			return
		}
	}
}

// checkBurst deactivates burst mode when the pressure is gone or the
// budget is spent.
func (s *Scheduler) checkBurst(ctx context.Context) {
	if !s.burstActive {
		return
	}
	urgent := s.queue.FindAlerts(func(a *priority.Alert) bool {
		return a.Priority <= priority.High
	})
	if len(urgent) == 0 || time.Since(s.burstSince) > s.cfg.BurstMaxDuration {
		s.burstActive = false
		s.metrics.burst(false)
		s.logger.Info(ctx, "burst mode deactivated",
			"active_for", time.Since(s.burstSince).Seconds())
	}
}

func (s *Scheduler) effectiveMax() int {
	if s.burstActive {
		return s.cfg.BurstConcurrency
	}
	return s.cfg.MaxConcurrent
}

func (s *Scheduler) pruneDedup(now time.Time) {
	for sig, seen := range s.dedup {
		if now.Sub(seen) >= s.cfg.DedupWindow {
			delete(s.dedup, sig)
		}
	}
}

func (s *Scheduler) publishGauges() {
	s.metrics.gauges(len(s.runningSet), s.queue.Size(), s.burstActive)
}

func (s *Scheduler) snapshot() Snapshot {
	qm := s.queue.Metrics(time.Now())
	return Snapshot{
		Running:     len(s.runningSet),
		Queued:      qm.Size,
		BurstActive: s.burstActive,
		Preemptions: s.preemptions,
		ByPriority:  qm.ByPriority,
	}
}

// shutdown cancels running investigations and clears the queue. Callers
// stop ingestion before cancelling the loop context.
func (s *Scheduler) shutdown(ctx context.Context) {
	for id, r := range s.runningSet {
		r.timer.Stop()
		s.pool.Cancel(id)
		delete(s.runningSet, id)
	}
	s.queue.Clear()
	s.logger.Info(ctx, "scheduler stopped")
}
