package llmcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/seraph/internal/model"
)

const (
	respKeyPrefix    = "seraph:resp:"
	incidentKeyFmt   = "seraph:incident:%s"
	timelineKey      = "seraph:incident:timeline"
	sessionKeyFmt    = "seraph:session:%s"
	patternKeyPrefix = "seraph:pattern:"

	// scanBatch is the COUNT hint per SCAN round during similarity lookup.
	scanBatch = 50
)

// Config carries Redis connection and cache tuning parameters.
type Config struct {
	Addr     string
	Password string
	DB       int

	// SimilarityThreshold is the minimum cosine similarity for a scan
	// hit. Zero means the default of 0.85.
	SimilarityThreshold float64

	// TTL bounds the lifetime of response entries. Zero means 1 hour.
	TTL time.Duration

	// ScanLimit caps how many recent entries a similarity lookup
	// inspects. Zero means 100.
	ScanLimit int

	// MaxIncidents caps the incident timeline. Zero means 1000.
	MaxIncidents int

	// ReadyRetries and ReadyDelay shape the WaitForReady poll loop.
	// Zero means 30 attempts 1 second apart.
	ReadyRetries int
	ReadyDelay   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SimilarityThreshold == 0 {
		out.SimilarityThreshold = 0.85
	}
	if out.TTL == 0 {
		out.TTL = time.Hour
	}
	if out.ScanLimit == 0 {
		out.ScanLimit = 100
	}
	if out.MaxIncidents == 0 {
		out.MaxIncidents = 1000
	}
	if out.ReadyRetries == 0 {
		out.ReadyRetries = 30
	}
	if out.ReadyDelay == 0 {
		out.ReadyDelay = time.Second
	}
	return out
}

// entry is the stored shape of a cached response.
type entry struct {
	Response  *model.Response   `json:"response"`
	Embedding []float64         `json:"embedding"`
	Tokens    int               `json:"tokens"`
	Timestamp time.Time         `json:"timestamp"`
	Hits      int               `json:"hits"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RedisCache implements Cache on a Redis-compatible store.
type RedisCache struct {
	rdb     *redis.Client
	cfg     Config
	logger  log.Logger
	metrics *Metrics
}

var _ Cache = (*RedisCache)(nil)

// New builds a RedisCache. It does not dial; call WaitForReady to gate
// startup on connectivity.
func New(cfg Config, logger log.Logger, metrics *Metrics) *RedisCache {
	c := cfg.withDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &RedisCache{rdb: rdb, cfg: c, logger: logger, metrics: metrics}
}

// WaitForReady implements Cache.
func (c *RedisCache) WaitForReady(ctx context.Context) error {
	var lastErr error
	for i := 0; i < c.cfg.ReadyRetries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = c.rdb.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			c.logger.Info(ctx, "response cache ready", "addr", c.cfg.Addr)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReadyDelay):
		}
	}
	return fmt.Errorf("cache not ready after %d attempts: %w", c.cfg.ReadyRetries, lastErr)
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, prompt string, maxTokens int) (*model.Response, bool) {
	key := respKey(prompt)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var e entry
		if jsonErr := json.Unmarshal(raw, &e); jsonErr == nil && e.Response != nil {
			c.bumpHits(ctx, key, &e)
			c.metrics.hit("exact")
			return e.Response, true
		}
	} else if err != redis.Nil {
		c.storeDown(ctx, err, "cache get")
		return nil, false
	}

	resp, ok := c.similarityLookup(ctx, prompt)
	if ok {
		c.metrics.hit("similar")
		return resp, true
	}
	c.metrics.miss()
	return nil, false
}

// similarityLookup scans recent entries and returns the closest one at or
// above the threshold. SCAN keeps the walk incremental under load.
func (c *RedisCache) similarityLookup(ctx context.Context, prompt string) (*model.Response, bool) {
	probe := embed(prompt)

	var (
		cursor    uint64
		inspected int
		bestSim   float64
		bestKey   string
		best      *entry
	)
	for inspected < c.cfg.ScanLimit {
		keys, next, err := c.rdb.Scan(ctx, cursor, respKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			c.storeDown(ctx, err, "cache scan")
			return nil, false
		}
		for _, k := range keys {
			if inspected >= c.cfg.ScanLimit {
				break
			}
			inspected++
			raw, err := c.rdb.Get(ctx, k).Bytes()
			if err != nil {
				continue
			}
			var e entry
			if err := json.Unmarshal(raw, &e); err != nil || e.Response == nil {
				continue
			}
			if sim := cosine(probe, e.Embedding); sim > bestSim {
				bestSim, bestKey, best = sim, k, &e
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	if best == nil || bestSim < c.cfg.SimilarityThreshold {
		return nil, false
	}
	c.bumpHits(ctx, bestKey, best)
	return best.Response, true
}

// bumpHits rewrites the entry with an incremented hit count, keeping its
// remaining TTL. Lost races are acceptable.
func (c *RedisCache) bumpHits(ctx context.Context, key string, e *entry) {
	e.Hits++
	if raw, err := json.Marshal(e); err == nil {
		_ = c.rdb.Set(ctx, key, raw, redis.KeepTTL).Err()
	}
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, prompt string, resp *model.Response, tokens int) {
	e := entry{
		Response:  resp,
		Embedding: embed(prompt),
		Tokens:    tokens,
		Timestamp: time.Now().UTC(),
	}
	raw, err := json.Marshal(&e)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, respKey(prompt), raw, c.cfg.TTL).Err(); err != nil {
		c.storeDown(ctx, err, "cache set")
	}
}

// Close implements Cache.
func (c *RedisCache) Close() error { return c.rdb.Close() }

func (c *RedisCache) storeDown(ctx context.Context, err error, op string) {
	c.metrics.storeError()
	c.logger.Warn(ctx, "cache store unavailable, degrading", "op", op, "error", err)
}

func respKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return respKeyPrefix + hex.EncodeToString(sum[:])
}
