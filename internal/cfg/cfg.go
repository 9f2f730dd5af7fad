// Package cfg holds the application configuration: flag registration and
// validation in the usual per-package shape, plus the seraph.config.json
// overlay applied between flag parsing and env fill.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/linnemanlabs/seraph/internal/priority"
)

// Config adds application configuration fields to the common
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	Workers      int
	ServerAPIKey string

	ClaudeAPIKey string
	ClaudeModel  string

	PrometheusEndpoint string
	PrometheusTenantID string
	LokiEndpoint       string
	LokiTenantID       string

	DatabaseURL         string
	ReportDBPath        string
	ReportRetentionDays int

	AlertmanagerURL string

	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	CacheSimilarityThreshold float64
	CacheTTLSeconds          int

	RecentLogsMaxSizeMB float64

	RateLimitWindowSeconds int
	RateLimitMaxRequests   int

	// file-only settings, no flag equivalents
	PreFilters     []string
	StartupPrompts []string
	PriorityQueue  PriorityQueueConfig
}

// PriorityQueueConfig mirrors the priorityQueue block of the config file.
type PriorityQueueConfig struct {
	Enabled                     bool                     `json:"enabled"`
	MaxConcurrentInvestigations int                      `json:"maxConcurrentInvestigations"`
	MaxQueueSize                int                      `json:"maxQueueSize"`
	InvestigationTimeoutMs      int                      `json:"investigationTimeoutMs"`
	PreemptionEnabled           bool                     `json:"preemptionEnabled"`
	PreemptionThreshold         int                      `json:"preemptionThreshold"`
	BurstModeEnabled            bool                     `json:"burstModeEnabled"`
	BurstModeThreshold          string                   `json:"burstModeThreshold"`
	BurstModeConcurrency        int                      `json:"burstModeConcurrency"`
	PriorityWeights             map[string]float64       `json:"priorityWeights"`
	Services                    []priority.ServiceConfig `json:"services"`
	BusinessHours               priority.BusinessHours   `json:"businessHours"`
	CriticalKeywords            []string                 `json:"criticalKeywords"`
	HighKeywords                []string                 `json:"highKeywords"`
	MediumKeywords              []string                 `json:"mediumKeywords"`
	LowKeywords                 []string                 `json:"lowKeywords"`
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 10, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 30, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.IntVar(&c.Workers, "workers", 4, "worker budget, split roughly half triage / half investigation (minimum 1 each)")
	fs.StringVar(&c.ServerAPIKey, "server-api-key", "", "ingress bearer token (empty disables auth)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.PrometheusEndpoint, "prometheus-endpoint", "", "Prometheus endpoint for investigation tool queries")
	fs.StringVar(&c.PrometheusTenantID, "prometheus-tenant-id", "", "Prometheus tenant ID for multi-tenant setups")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for investigation tool queries")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the report store (empty = SQLite)")
	fs.StringVar(&c.ReportDBPath, "report-db", "reports.db", "SQLite report store path, used when no database-url is set")
	fs.IntVar(&c.ReportRetentionDays, "report-retention-days", 0, "delete reports older than this many days (0 disables pruning)")
	fs.StringVar(&c.AlertmanagerURL, "alertmanager-url", "", "Alertmanager base URL (empty disables alerting)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the response cache (empty disables the cache)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.Float64Var(&c.CacheSimilarityThreshold, "cache-similarity-threshold", 0.85, "minimum cosine similarity for a cache hit (0..1)")
	fs.IntVar(&c.CacheTTLSeconds, "cache-ttl-seconds", 3600, "response cache entry TTL in seconds")
	fs.Float64Var(&c.RecentLogsMaxSizeMB, "recent-logs-max-size-mb", 10, "byte cap of the recent-logs ring in MiB")
	fs.IntVar(&c.RateLimitWindowSeconds, "rate-limit-window-seconds", 60, "ingress rate limit window in seconds")
	fs.IntVar(&c.RateLimitMaxRequests, "rate-limit-max-requests", 100, "ingress requests allowed per client per window")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be >= 1)", c.Workers))
	}
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}
	if c.CacheSimilarityThreshold < 0 || c.CacheSimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid CACHE_SIMILARITY_THRESHOLD %g (must be 0..1)", c.CacheSimilarityThreshold))
	}
	if c.RateLimitWindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_WINDOW_SECONDS %d (must be > 0)", c.RateLimitWindowSeconds))
	}
	if c.RateLimitMaxRequests <= 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_MAX_REQUESTS %d (must be > 0)", c.RateLimitMaxRequests))
	}
	if c.ReportRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("invalid REPORT_RETENTION_DAYS %d (must be >= 0)", c.ReportRetentionDays))
	}
	switch strings.ToUpper(strings.TrimSpace(c.PriorityQueue.BurstModeThreshold)) {
	case "", "CRITICAL", "HIGH", "MEDIUM", "LOW":
	default:
		errs = append(errs, fmt.Errorf("invalid burstModeThreshold %q", c.PriorityQueue.BurstModeThreshold))
	}
	if c.PriorityQueue.BurstModeConcurrency < 0 {
		errs = append(errs, fmt.Errorf("burstModeConcurrency must be >= 0, got %d", c.PriorityQueue.BurstModeConcurrency))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
