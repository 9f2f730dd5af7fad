package cfg

import (
	"encoding/json"
	"fmt"
	"os"
)

// fileConfig is the seraph.config.json schema. Pointer scalars
// distinguish an absent key from a zero value so the file only overrides
// what it names.
type fileConfig struct {
	Port                *int     `json:"port"`
	Workers             *int     `json:"workers"`
	APIKey              *string  `json:"apiKey"`
	ServerAPIKey        *string  `json:"serverApiKey"`
	PreFilters          []string `json:"preFilters"`
	RecentLogsMaxSizeMb *float64 `json:"recentLogsMaxSizeMb"`
	ReportRetentionDays *int     `json:"reportRetentionDays"`
	StartupPrompts      []string `json:"startupPrompts"`

	RateLimit *struct {
		Window      *int `json:"window"`
		MaxRequests *int `json:"maxRequests"`
	} `json:"rateLimit"`

	LLM *struct {
		Provider string  `json:"provider"`
		Model    *string `json:"model"`
	} `json:"llm"`

	AlertManager *struct {
		URL *string `json:"url"`
	} `json:"alertManager"`

	LLMCache *struct {
		Redis *struct {
			Addr     *string `json:"addr"`
			Password *string `json:"password"`
			DB       *int    `json:"db"`
		} `json:"redis"`
		SimilarityThreshold *float64 `json:"similarityThreshold"`
		TTLSeconds          *int     `json:"ttlSeconds"`
	} `json:"llmCache"`

	PriorityQueue *PriorityQueueConfig `json:"priorityQueue"`
}

// ApplyFile overlays seraph.config.json values onto c. A missing file is
// an error only when the path was explicitly requested.
func (c *Config) ApplyFile(path string) error {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: path is the operator-supplied -config flag
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setInt(&c.APIPort, fc.Port)
	setInt(&c.Workers, fc.Workers)
	setString(&c.ClaudeAPIKey, fc.APIKey)
	setString(&c.ServerAPIKey, fc.ServerAPIKey)
	setFloat(&c.RecentLogsMaxSizeMB, fc.RecentLogsMaxSizeMb)
	setInt(&c.ReportRetentionDays, fc.ReportRetentionDays)
	if fc.PreFilters != nil {
		c.PreFilters = fc.PreFilters
	}
	if fc.StartupPrompts != nil {
		c.StartupPrompts = fc.StartupPrompts
	}
	if fc.RateLimit != nil {
		setInt(&c.RateLimitWindowSeconds, fc.RateLimit.Window)
		setInt(&c.RateLimitMaxRequests, fc.RateLimit.MaxRequests)
	}
	if fc.LLM != nil {
		setString(&c.ClaudeModel, fc.LLM.Model)
	}
	if fc.AlertManager != nil {
		setString(&c.AlertmanagerURL, fc.AlertManager.URL)
	}
	if fc.LLMCache != nil {
		if fc.LLMCache.Redis != nil {
			setString(&c.RedisAddr, fc.LLMCache.Redis.Addr)
			setString(&c.RedisPassword, fc.LLMCache.Redis.Password)
			setInt(&c.RedisDB, fc.LLMCache.Redis.DB)
		}
		setFloat(&c.CacheSimilarityThreshold, fc.LLMCache.SimilarityThreshold)
		setInt(&c.CacheTTLSeconds, fc.LLMCache.TTLSeconds)
	}
	if fc.PriorityQueue != nil {
		c.PriorityQueue = *fc.PriorityQueue
	}
	return nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}
