package llmcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionTTL        = time.Hour
	sessionQueryLimit = 50
)

// RecordIncident implements Cache.
func (c *RedisCache) RecordIncident(ctx context.Context, inc *Incident) {
	if inc.ID == "" {
		return
	}
	if inc.Timestamp.IsZero() {
		inc.Timestamp = time.Now().UTC()
	}
	if inc.Embedding == nil {
		inc.Embedding = embed(inc.Log + " " + inc.Reason)
	}
	raw, err := json.Marshal(inc)
	if err != nil {
		return
	}

	key := fmt.Sprintf(incidentKeyFmt, inc.ID)
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, key, raw, 0)
	pipe.ZAdd(ctx, timelineKey, redis.Z{Score: float64(inc.Timestamp.UnixMilli()), Member: inc.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		c.storeDown(ctx, err, "record incident")
		return
	}
	c.trimTimeline(ctx)
}

// trimTimeline evicts the oldest incidents beyond MaxIncidents, removing
// both the timeline members and their value keys.
func (c *RedisCache) trimTimeline(ctx context.Context) {
	n, err := c.rdb.ZCard(ctx, timelineKey).Result()
	if err != nil || n <= int64(c.cfg.MaxIncidents) {
		return
	}
	excess := n - int64(c.cfg.MaxIncidents)
	ids, err := c.rdb.ZRange(ctx, timelineKey, 0, excess-1).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = fmt.Sprintf(incidentKeyFmt, id)
	}
	pipe := c.rdb.Pipeline()
	pipe.ZRemRangeByRank(ctx, timelineKey, 0, excess-1)
	pipe.Del(ctx, keys...)
	_, _ = pipe.Exec(ctx)
}

// RecentIncidents implements Cache.
func (c *RedisCache) RecentIncidents(ctx context.Context, limit int) []*Incident {
	if limit <= 0 {
		return nil
	}
	ids, err := c.rdb.ZRevRange(ctx, timelineKey, 0, int64(limit-1)).Result()
	if err != nil {
		c.storeDown(ctx, err, "recent incidents")
		return nil
	}
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = fmt.Sprintf(incidentKeyFmt, id)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.storeDown(ctx, err, "recent incidents")
		return nil
	}

	out := make([]*Incident, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var inc Incident
		if err := json.Unmarshal([]byte(s), &inc); err == nil {
			out = append(out, &inc)
		}
	}
	return out
}

// RecordSessionQuery implements Cache.
func (c *RedisCache) RecordSessionQuery(ctx context.Context, sessionID, query string) {
	if sessionID == "" || query == "" {
		return
	}
	key := fmt.Sprintf(sessionKeyFmt, sessionID)
	pipe := c.rdb.Pipeline()
	pipe.RPush(ctx, key, query)
	pipe.LTrim(ctx, key, -sessionQueryLimit, -1)
	pipe.Expire(ctx, key, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.storeDown(ctx, err, "record session query")
	}
}

// RecentSessionQueries implements Cache.
func (c *RedisCache) RecentSessionQueries(ctx context.Context, sessionID string, limit int) []string {
	if sessionID == "" || limit <= 0 {
		return nil
	}
	key := fmt.Sprintf(sessionKeyFmt, sessionID)
	vals, err := c.rdb.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		c.storeDown(ctx, err, "recent session queries")
		return nil
	}
	return vals
}

// RecordPattern implements Cache.
func (c *RedisCache) RecordPattern(ctx context.Context, service, errorClass, severity, resolution string) {
	sig := PatternSignature(service, errorClass, severity)
	key := patternKeyPrefix + sig
	now := time.Now().UTC()

	p := Pattern{Signature: sig, FirstSeen: now}
	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		_ = json.Unmarshal(raw, &p)
	} else if err != redis.Nil {
		c.storeDown(ctx, err, "record pattern")
		return
	}

	p.Frequency++
	p.LastSeen = now
	p.Confidence = patternConfidence(p.Frequency)
	if resolution != "" && !contains(p.CommonResolutions, resolution) {
		p.CommonResolutions = append(p.CommonResolutions, resolution)
		if len(p.CommonResolutions) > 5 {
			p.CommonResolutions = p.CommonResolutions[len(p.CommonResolutions)-5:]
		}
	}

	raw, err := json.Marshal(&p)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, 0).Err(); err != nil {
		c.storeDown(ctx, err, "record pattern")
	}
}

// PatternsAbove implements Cache.
func (c *RedisCache) PatternsAbove(ctx context.Context, minConfidence float64) []*Pattern {
	var (
		cursor uint64
		out    []*Pattern
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, patternKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			c.storeDown(ctx, err, "patterns scan")
			return out
		}
		for _, k := range keys {
			raw, err := c.rdb.Get(ctx, k).Bytes()
			if err != nil {
				continue
			}
			var p Pattern
			if err := json.Unmarshal(raw, &p); err == nil && p.Confidence >= minConfidence {
				out = append(out, &p)
			}
		}
		if next == 0 {
			return out
		}
		cursor = next
	}
}

// PatternSignature normalizes a (service, errorClass, severity) triple
// into a stable key component.
func PatternSignature(service, errorClass, severity string) string {
	if service == "" {
		service = "unknown"
	}
	if errorClass == "" {
		errorClass = "unknown"
	}
	if severity == "" {
		severity = "unknown"
	}
	return service + "|" + errorClass + "|" + severity
}

// patternConfidence saturates at ten occurrences, matching the historical
// score used by the priority calculator.
func patternConfidence(freq int) float64 {
	conf := float64(freq) / 10
	if conf > 1 {
		conf = 1
	}
	return conf
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
