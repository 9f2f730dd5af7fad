// Seraph is an autonomous SRE agent: it ingests raw logs, triages them
// with an LLM, and runs prioritized tool-assisted investigations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/seraph/internal/agent"
	"github.com/linnemanlabs/seraph/internal/alertsink"
	"github.com/linnemanlabs/seraph/internal/authmw"
	sc "github.com/linnemanlabs/seraph/internal/cfg"
	"github.com/linnemanlabs/seraph/internal/investigate"
	"github.com/linnemanlabs/seraph/internal/llmcache"
	"github.com/linnemanlabs/seraph/internal/logapi"
	"github.com/linnemanlabs/seraph/internal/model"
	"github.com/linnemanlabs/seraph/internal/model/claude"
	"github.com/linnemanlabs/seraph/internal/postgres"
	"github.com/linnemanlabs/seraph/internal/priority"
	"github.com/linnemanlabs/seraph/internal/report"
	"github.com/linnemanlabs/seraph/internal/report/pgstore"
	"github.com/linnemanlabs/seraph/internal/report/sqlitestore"
	"github.com/linnemanlabs/seraph/internal/sched"
	"github.com/linnemanlabs/seraph/internal/tools"
	"github.com/linnemanlabs/seraph/internal/triage"
)

const appName = "seraph"
const component = "server"

const pidFileName = ".seraph.pid"

// heartbeatInterval keeps the phase-1 alert firing in Alertmanager for
// every open incident; it has to be shorter than the endsAt horizon the
// sink advertises.
const heartbeatInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    sc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to seraph.config.json (optional)")

	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// config file overlays flag values; env vars fill in anything still
	// at its default without overriding either
	if configPath != "" {
		if err := appCfg.ApplyFile(configPath); err != nil {
			return fmt.Errorf("config file: %w", err)
		}
	}
	cfg.FillFromEnv(flag.CommandLine, "SERAPH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"workers", appCfg.Workers,
		"model", appCfg.ClaudeModel,
		"alertmanager", appCfg.AlertmanagerURL != "",
		"redis_cache", appCfg.RedisAddr != "",
		"priority_queue", appCfg.PriorityQueue.Enabled,
	)

	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// investigation tools, each gated on its backend being configured
	registry := tools.NewRegistry()
	if appCfg.PrometheusEndpoint != "" {
		promQuery := tools.NewPrometheusQuery(appCfg.PrometheusEndpoint, appCfg.PrometheusTenantID)
		registry.Register(promQuery)
		L.Info(ctx, "registered tool", "name", promQuery.Name(), "endpoint", appCfg.PrometheusEndpoint)
		promRange := tools.NewPrometheusQueryRange(appCfg.PrometheusEndpoint, appCfg.PrometheusTenantID)
		registry.Register(promRange)
		L.Info(ctx, "registered tool", "name", promRange.Name(), "endpoint", appCfg.PrometheusEndpoint)
	}
	if appCfg.LokiEndpoint != "" {
		lokiQuery := tools.NewLokiQuery(appCfg.LokiEndpoint, appCfg.LokiTenantID)
		registry.Register(lokiQuery)
		L.Info(ctx, "registered tool", "name", lokiQuery.Name(), "endpoint", appCfg.LokiEndpoint)
	}

	// response cache, Nop when no Redis is configured
	var cache llmcache.Cache = llmcache.Nop{}
	if appCfg.RedisAddr != "" {
		rc := llmcache.New(llmcache.Config{
			Addr:                appCfg.RedisAddr,
			Password:            appCfg.RedisPassword,
			DB:                  appCfg.RedisDB,
			SimilarityThreshold: appCfg.CacheSimilarityThreshold,
			TTL:                 time.Duration(appCfg.CacheTTLSeconds) * time.Second,
		}, L, llmcache.NewMetrics(m.Registry()))
		if err := rc.WaitForReady(ctx); err != nil {
			return fmt.Errorf("redis cache not ready: %w", err)
		}
		cache = rc
		defer func() { _ = rc.Close() }()
		L.Info(ctx, "response cache enabled", "addr", appCfg.RedisAddr)
	}

	// Claude behind the breaker and retry policy, then behind the cache
	base := claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel)
	var mdl model.Model = llmcache.Wrap(model.NewResilient("claude", base), cache)
	L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)

	sink := alertsink.New(appCfg.AlertmanagerURL, L, alertsink.NewMetrics(m.Registry()))
	if sink.Enabled() {
		go sink.RunHeartbeat(ctx, heartbeatInterval)
		L.Info(ctx, "alerting enabled", "url", appCfg.AlertmanagerURL)
	}

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seraph_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	var store report.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres report store")
	} else {
		sqlStore, err := sqlitestore.New(ctx, appCfg.ReportDBPath)
		if err != nil {
			return fmt.Errorf("sqlite report store: %w", err)
		}
		store = sqlStore
		L.Info(ctx, "using sqlite report store", "path", appCfg.ReportDBPath)
	}
	defer func() { _ = store.Close() }()

	if appCfg.ReportRetentionDays > 0 {
		go pruneReports(ctx, L, store, appCfg.ReportRetentionDays)
	}

	pq := appCfg.PriorityQueue
	calc := priority.NewCalculator(priority.CalcConfig{
		Weights:          pq.PriorityWeights,
		Services:         pq.Services,
		BusinessHours:    pq.BusinessHours,
		CriticalKeywords: pq.CriticalKeywords,
		HighKeywords:     pq.HighKeywords,
		MediumKeywords:   pq.MediumKeywords,
		LowKeywords:      pq.LowKeywords,
	})

	schedCfg := sched.Config{
		MaxConcurrent:        pq.MaxConcurrentInvestigations,
		QueueCapacity:        pq.MaxQueueSize,
		InvestigationTimeout: time.Duration(pq.InvestigationTimeoutMs) * time.Millisecond,
		PreemptionEnabled:    pq.PreemptionEnabled,
		PreemptionThreshold:  pq.PreemptionThreshold,
		BurstEnabled:         pq.BurstModeEnabled,
		BurstConcurrency:     pq.BurstModeConcurrency,
	}
	if pq.BurstModeThreshold != "" {
		lvl := priority.ParseLevel(pq.BurstModeThreshold)
		schedCfg.BurstThreshold = &lvl
	}
	if !pq.Enabled {
		// degenerate mode: every investigation runs as soon as a worker
		// is free, no bursting or preemption
		schedCfg.MaxConcurrent = investigate.PoolSize(appCfg.Workers)
		schedCfg.PreemptionEnabled = false
		schedCfg.BurstEnabled = false
	}

	scheduler := sched.New(schedCfg, sched.Deps{
		Calc:     calc,
		Registry: registry,
		Sink:     sink,
		Store:    store,
		Cache:    cache,
		Logger:   L,
		Metrics:  sched.NewMetrics(m.Registry()),
	})

	invPool := investigate.NewPool(
		investigate.Config{Workers: appCfg.Workers},
		mdl, registry, cache, L,
		investigate.NewMetrics(m.Registry()),
		scheduler.Broker(), scheduler.Completions(),
	)
	scheduler.SetPool(invPool)
	go scheduler.Run(ctx)

	agentMgr := agent.New(agent.Config{
		RecentLogsMaxBytes: int64(appCfg.RecentLogsMaxSizeMB * 1024 * 1024),
		StartupPrompts:     appCfg.StartupPrompts,
	}, mdl, cache, scheduler, L, agent.NewMetrics(m.Registry()))

	triagePool := triage.NewPool(triage.Config{
		Workers:    appCfg.Workers,
		PreFilters: appCfg.PreFilters,
	}, mdl, L, triage.NewMetrics(m.Registry()), agentMgr.HandleFinding)
	agentMgr.SetTriagePool(triagePool)
	triagePool.Start(ctx)
	go agentMgr.Start(ctx)

	if err := writePIDFile(pidFileName); err != nil {
		L.Warn(ctx, "failed to write pid file", "error", err)
	} else {
		defer func() { _ = os.Remove(pidFileName) }()
	}

	// local diagnostics socket next to the working directory
	sockPath := filepath.Join(".", logapi.SocketName)
	socket := logapi.NewSocketServer(sockPath, agentMgr, L)
	if err := socket.Start(ctx); err != nil {
		L.Warn(ctx, "diagnostics socket unavailable", "path", sockPath, "error", err)
	}

	var shutdownGate health.ShutdownGate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	api := logapi.New(agentMgr, scheduler, logapi.Options{
		Version: vi.Version,
		Workers: logapi.WorkerCounts{
			Triage:        triage.PoolSize(appCfg.Workers),
			Investigation: investigate.PoolSize(appCfg.Workers),
		},
		RateWindow:     time.Duration(appCfg.RateLimitWindowSeconds) * time.Second,
		RateMax:        appCfg.RateLimitMaxRequests,
		MetricsHandler: m.Handler(),
	}, L, logapi.NewMetrics(m.Registry()))

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(2 << 20)) // /logs enforces its own tighter cap
	r.Use(authmw.BearerToken(appCfg.ServerAPIKey, "/metrics", "/-/healthy", "/-/ready"))
	api.RegisterRoutes(r)
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// outer wrappers, order matters: outermost sees the raw request first
	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = m.Middleware(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// worker pools stop with ctx; wait for in-flight work before
	// shutting down the listeners they might still respond through
	triagePool.Stop()
	invPool.Wait()

	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// pruneReports deletes reports past the retention window once a day.
func pruneReports(ctx context.Context, L log.Logger, store report.Store, days int) {
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cutoff := time.Now().AddDate(0, 0, -days)
			n, err := store.Prune(ctx, cutoff)
			if err != nil {
				L.Error(ctx, err, "report pruning failed")
				continue
			}
			if n > 0 {
				L.Info(ctx, "pruned old reports", "deleted", n, "cutoff", cutoff)
			}
		}
	}
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when we run under type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr comes from systemd not user input, and unixgram dialing has no context support
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
