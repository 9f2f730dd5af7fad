// Package logapi is the ingress surface: log ingestion, status, and
// operator chat, plus the local diagnostics socket.
package logapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/seraph/internal/redact"
	"github.com/linnemanlabs/seraph/internal/sched"
)

const (
	maxLogBody  = 1 << 20 // 1 MiB
	maxChatBody = 10 << 10
	maxChatMsg  = 1000

	correlationHeader = "X-Correlation-Id"
)

// Agent is the slice of the agent manager the handlers call.
type Agent interface {
	Ingest(ctx context.Context, line string)
	Chat(ctx context.Context, sessionID, message string) (string, error)
	RecentLogs() []string
	Uptime() time.Duration
}

// StatusSource provides the scheduler state for /status.
type StatusSource interface {
	Snapshot(ctx context.Context) (sched.Snapshot, error)
}

// WorkerCounts is reported verbatim in /status.
type WorkerCounts struct {
	Triage        int `json:"triage"`
	Investigation int `json:"investigation"`
}

// API holds dependencies for the ingress handlers.
type API struct {
	logger  log.Logger
	metrics *Metrics
	agent   Agent
	status  StatusSource
	limiter *rateLimiter
	version string
	workers WorkerCounts
	metricH http.Handler
}

// Options configures the API.
type Options struct {
	Version        string
	Workers        WorkerCounts
	RateWindow     time.Duration // zero means 60s
	RateMax        int           // zero means 100
	MetricsHandler http.Handler  // Prometheus exposition, served at /metrics
}

// New creates the ingress API.
func New(agent Agent, status StatusSource, opts Options, logger log.Logger, metrics *Metrics) *API {
	return &API{
		logger:  logger.With("component", "logapi"),
		metrics: metrics,
		agent:   agent,
		status:  status,
		limiter: newRateLimiter(opts.RateWindow, opts.RateMax),
		version: opts.Version,
		workers: opts.Workers,
		metricH: opts.MetricsHandler,
	}
}

// RegisterRoutes attaches the ingress endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Use(a.correlationID)
	r.Post("/logs", a.handleLogs)
	r.Get("/status", a.handleStatus)
	r.Post("/chat", a.handleChat)
	if a.metricH != nil {
		r.Method(http.MethodGet, "/metrics", a.metricH)
	}
}

// correlationID stamps every response so client reports can be matched
// to server logs.
func (a *API) correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if w.Header().Get(correlationHeader) == "" {
			w.Header().Set(correlationHeader, ulid.Make().String())
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !a.limiter.allow(clientAddr(r), time.Now()) {
		a.metrics.request("logs", "rate-limited")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxLogBody))
	if err != nil {
		a.metrics.request("logs", "oversize")
		writeError(w, http.StatusRequestEntityTooLarge, "body exceeds 1 MiB")
		return
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		a.metrics.request("logs", "empty")
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	dispatched := 0
	if strings.HasPrefix(text, "{") {
		for _, frag := range splitConcatenated(text) {
			if !json.Valid([]byte(frag)) {
				a.metrics.fragment(false)
				continue
			}
			a.metrics.fragment(true)
			a.agent.Ingest(ctx, frag)
			dispatched++
		}
		if dispatched == 0 {
			a.metrics.request("logs", "invalid-json")
			writeError(w, http.StatusBadRequest, "no valid JSON fragment in body")
			return
		}
	} else {
		a.agent.Ingest(ctx, text)
		dispatched = 1
	}

	a.metrics.request("logs", "accepted")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "accepted",
		"correlationId": w.Header().Get(correlationHeader),
		"dispatched":    dispatched,
	})
}

// splitConcatenated splits Fluent-Bit style `{…}{…}` concatenations at
// the object boundaries. A single object comes back unchanged.
func splitConcatenated(text string) []string {
	parts := strings.Split(text, "}{")
	if len(parts) == 1 {
		return parts
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		if i > 0 {
			p = "{" + p
		}
		if i < len(parts)-1 {
			p = p + "}"
		}
		out[i] = p
	}
	return out
}

type statusResponse struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
	Workers       WorkerCounts   `json:"workers"`
	Scheduler     sched.Snapshot `json:"scheduler"`
	MemAllocBytes uint64         `json:"memAllocBytes"`
	NumGoroutine  int            `json:"numGoroutine"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snap, err := a.status.Snapshot(ctx)
	if err != nil {
		a.serverError(w, r, err, "status snapshot failed")
		return
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	a.metrics.request("status", "ok")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{
		Status:        "ok",
		Version:       a.version,
		UptimeSeconds: a.agent.Uptime().Seconds(),
		Workers:       a.workers,
		Scheduler:     snap,
		MemAllocBytes: ms.Alloc,
		NumGoroutine:  runtime.NumGoroutine(),
	})
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChatBody))
	if err != nil {
		a.metrics.request("chat", "oversize")
		writeError(w, http.StatusRequestEntityTooLarge, "body exceeds 10 KiB")
		return
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		a.metrics.request("chat", "bad-json")
		writeError(w, http.StatusBadRequest, "body must be a JSON object with a message field")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		a.metrics.request("chat", "empty")
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if len(req.Message) > maxChatMsg {
		req.Message = req.Message[:maxChatMsg]
	}
	if req.SessionID == "" {
		req.SessionID = clientAddr(r)
	}

	reply, err := a.agent.Chat(ctx, req.SessionID, req.Message)
	if err != nil {
		a.serverError(w, r, err, "chat failed")
		return
	}

	a.metrics.request("chat", "ok")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, reply)
}

// serverError logs the redacted cause and answers 500 with the
// correlation ID so the operator can find the log line.
func (a *API) serverError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	a.metrics.request(chiRoutePattern(r), "error")
	a.logger.Error(r.Context(), errRedacted(err), msg,
		"correlation_id", w.Header().Get(correlationHeader))
	writeError(w, http.StatusInternalServerError,
		"internal error, correlation "+w.Header().Get(correlationHeader))
}

type redactedError struct{ msg string }

func (e redactedError) Error() string { return e.msg }

func errRedacted(err error) error { return redactedError{msg: redact.Error(err)} }

func chiRoutePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// clientAddr is the rate-limit and default-session key. The ClientIP
// middleware upstream has already resolved proxies into RemoteAddr.
func clientAddr(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		addr = addr[:i]
	}
	return addr
}
