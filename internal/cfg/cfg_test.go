package cfg

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:             10,
		ShutdownBudgetSeconds:    30,
		APIPort:                  8080,
		Workers:                  4,
		ClaudeAPIKey:             "sk-test-key",
		ClaudeModel:              "claude-sonnet-4-20250514",
		CacheSimilarityThreshold: 0.85,
		RateLimitWindowSeconds:   60,
		RateLimitMaxRequests:     100,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.Workers != 4 {
		t.Errorf("Workers = %d, want 4", c.Workers)
	}
	if c.ReportDBPath != "reports.db" {
		t.Errorf("ReportDBPath = %q, want reports.db", c.ReportDBPath)
	}
	if c.RateLimitMaxRequests != 100 {
		t.Errorf("RateLimitMaxRequests = %d, want 100", c.RateLimitMaxRequests)
	}
	if c.CacheSimilarityThreshold != 0.85 {
		t.Errorf("CacheSimilarityThreshold = %g, want 0.85", c.CacheSimilarityThreshold)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-http-port", "9090",
		"-workers", "8",
		"-alertmanager-url", "http://alertmanager:9093",
		"-redis-addr", "localhost:6379",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.Workers != 8 {
		t.Errorf("Workers = %d, want 8", c.Workers)
	}
	if c.AlertmanagerURL != "http://alertmanager:9093" {
		t.Errorf("AlertmanagerURL = %q", c.AlertmanagerURL)
	}
	if c.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", c.RedisAddr)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing api key", func(c *Config) { c.ClaudeAPIKey = "" }, "CLAUDE_API_KEY"},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "WORKERS"},
		{"bad port", func(c *Config) { c.APIPort = 70000 }, "HTTP_PORT"},
		{"budget under drain", func(c *Config) { c.ShutdownBudgetSeconds = 5 }, "SHUTDOWN_BUDGET_SECONDS"},
		{"bad similarity", func(c *Config) { c.CacheSimilarityThreshold = 1.5 }, "CACHE_SIMILARITY_THRESHOLD"},
		{"negative retention", func(c *Config) { c.ReportRetentionDays = -1 }, "REPORT_RETENTION_DAYS"},
		{"bad burst threshold", func(c *Config) { c.PriorityQueue.BurstModeThreshold = "EXTREME" }, "burstModeThreshold"},
		{"known burst threshold", func(c *Config) { c.PriorityQueue.BurstModeThreshold = "high" }, ""},
		{"negative burst concurrency", func(c *Config) { c.PriorityQueue.BurstModeConcurrency = -2 }, "burstModeConcurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyFileOverlay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seraph.config.json")
	content := `{
		"port": 9191,
		"apiKey": "sk-from-file",
		"serverApiKey": "bearer-from-file",
		"preFilters": ["^DEBUG"],
		"startupPrompts": ["check disk pressure"],
		"rateLimit": {"window": 30, "maxRequests": 50},
		"llm": {"provider": "claude", "model": "claude-opus-4-20250514"},
		"alertManager": {"url": "http://am:9093"},
		"llmCache": {
			"redis": {"addr": "cache:6379", "db": 2},
			"similarityThreshold": 0.9,
			"ttlSeconds": 120
		},
		"priorityQueue": {
			"enabled": true,
			"maxConcurrentInvestigations": 2,
			"preemptionEnabled": true,
			"burstModeEnabled": true,
			"burstModeThreshold": "HIGH",
			"burstModeConcurrency": 3
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c := validBase()
	if err := c.ApplyFile(path); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}

	if c.APIPort != 9191 {
		t.Errorf("APIPort = %d", c.APIPort)
	}
	if c.ClaudeAPIKey != "sk-from-file" {
		t.Errorf("ClaudeAPIKey = %q", c.ClaudeAPIKey)
	}
	if c.ClaudeModel != "claude-opus-4-20250514" {
		t.Errorf("ClaudeModel = %q", c.ClaudeModel)
	}
	if c.ServerAPIKey != "bearer-from-file" {
		t.Errorf("ServerAPIKey = %q", c.ServerAPIKey)
	}
	if len(c.PreFilters) != 1 || c.PreFilters[0] != "^DEBUG" {
		t.Errorf("PreFilters = %v", c.PreFilters)
	}
	if c.RateLimitWindowSeconds != 30 || c.RateLimitMaxRequests != 50 {
		t.Errorf("rate limit = %d/%d", c.RateLimitMaxRequests, c.RateLimitWindowSeconds)
	}
	if c.AlertmanagerURL != "http://am:9093" {
		t.Errorf("AlertmanagerURL = %q", c.AlertmanagerURL)
	}
	if c.RedisAddr != "cache:6379" || c.RedisDB != 2 {
		t.Errorf("redis = %q db %d", c.RedisAddr, c.RedisDB)
	}
	if c.CacheSimilarityThreshold != 0.9 || c.CacheTTLSeconds != 120 {
		t.Errorf("cache tuning = %g/%d", c.CacheSimilarityThreshold, c.CacheTTLSeconds)
	}
	if !c.PriorityQueue.Enabled || c.PriorityQueue.MaxConcurrentInvestigations != 2 {
		t.Errorf("priority queue = %+v", c.PriorityQueue)
	}
	if c.PriorityQueue.BurstModeConcurrency != 3 {
		t.Errorf("BurstModeConcurrency = %d, want 3", c.PriorityQueue.BurstModeConcurrency)
	}

	// untouched keys keep their previous values
	if c.Workers != 4 {
		t.Errorf("Workers = %d, want 4", c.Workers)
	}
}

func TestApplyFilePartial(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seraph.config.json")
	if err := os.WriteFile(path, []byte(`{"port": 9000}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c := validBase()
	c.ClaudeAPIKey = "sk-keep-me"
	if err := c.ApplyFile(path); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}
	if c.APIPort != 9000 {
		t.Errorf("APIPort = %d", c.APIPort)
	}
	if c.ClaudeAPIKey != "sk-keep-me" {
		t.Errorf("ClaudeAPIKey was clobbered: %q", c.ClaudeAPIKey)
	}
}

func TestApplyFileErrors(t *testing.T) {
	t.Parallel()

	c := validBase()
	if err := c.ApplyFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.ApplyFile(path); err == nil {
		t.Fatal("expected error for malformed file")
	}
}
