package priority

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Sub-score weights must name these keys.
const (
	WeightKeyword    = "keyword"
	WeightService    = "service"
	WeightTime       = "time"
	WeightHistorical = "historical"
)

// Score thresholds for the level mapping.
const (
	criticalThreshold = 0.85
	highThreshold     = 0.65
	mediumThreshold   = 0.4
)

// historicalCap is the occurrence count at which the historical sub-score
// saturates at 1.0.
const historicalCap = 10

// ServiceConfig describes a known service for impact scoring.
type ServiceConfig struct {
	Name           string  `json:"name"`
	Criticality    string  `json:"criticality"` // critical|high|medium|low
	BusinessImpact float64 `json:"businessImpact"`
	UserCount      int     `json:"userCount"`
}

// BusinessHours is the local-time window considered business hours.
type BusinessHours struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

// CalcConfig tunes the calculator. Zero values fall back to defaults.
type CalcConfig struct {
	Weights          map[string]float64
	Services         []ServiceConfig
	BusinessHours    BusinessHours
	CriticalKeywords []string
	HighKeywords     []string
	MediumKeywords   []string
	LowKeywords      []string
}

// Result is the outcome of a priority calculation.
type Result struct {
	Priority    Level
	Score       float64
	Breakdown   map[string]float64
	Reasoning   []string
	EstDuration time.Duration
}

// Calculator maps (log, reason, metadata, wall-clock) to a priority and
// score. The historical pattern table is updated by the scheduler on
// investigation completion; like the queue, the calculator is owned by the
// scheduler loop and is not safe for concurrent use.
type Calculator struct {
	weights       map[string]float64
	services      map[string]ServiceConfig
	businessHours BusinessHours
	keywordTiers  []keywordTier
	patternCounts map[string]int
}

type keywordTier struct {
	name     string
	score    float64
	patterns []*regexp.Regexp
}

var defaultKeywords = map[string][]string{
	"critical": {`crashloop`, `oom\b|out of memory`, `data loss`, `panic:`, `fatal`, `segfault`, `corrupt`},
	"high":     {`timeout`, `connection refused`, `5\d\d`, `unavailable`, `exception`, `failed`, `denied`},
	"medium":   {`error`, `degraded`, `retry`, `slow`, `latency`, `evicted`},
	"low":      {`warn`, `deprecat`, `notice`},
}

// Historical gets the smallest default weight so a first-seen incident with
// strong keyword and service signals can still reach CRITICAL.
var defaultWeights = map[string]float64{
	WeightKeyword:    0.45,
	WeightService:    0.3,
	WeightTime:       0.15,
	WeightHistorical: 0.1,
}

// estDurations are rough investigation length estimates per level, used by
// the scheduler for slot accounting.
var estDurations = map[Level]time.Duration{
	Critical: 4 * time.Minute,
	High:     3 * time.Minute,
	Medium:   2 * time.Minute,
	Low:      1 * time.Minute,
}

// NewCalculator builds a calculator from config, compiling keyword patterns
// and falling back to defaults for anything unset. Invalid user regexes are
// skipped, not fatal.
func NewCalculator(cfg CalcConfig) *Calculator {
	c := &Calculator{
		weights:       defaultWeights,
		services:      make(map[string]ServiceConfig),
		businessHours: cfg.BusinessHours,
		patternCounts: make(map[string]int),
	}
	if len(cfg.Weights) > 0 {
		c.weights = cfg.Weights
	}
	if c.businessHours.StartHour == 0 && c.businessHours.EndHour == 0 {
		c.businessHours = BusinessHours{StartHour: 8, EndHour: 18}
	}
	for _, svc := range cfg.Services {
		c.services[strings.ToLower(svc.Name)] = svc
	}

	tiers := []struct {
		name       string
		score      float64
		configured []string
	}{
		{"critical", 1.0, cfg.CriticalKeywords},
		{"high", 0.8, cfg.HighKeywords},
		{"medium", 0.6, cfg.MediumKeywords},
		{"low", 0.3, cfg.LowKeywords},
	}
	for _, tier := range tiers {
		kt := keywordTier{name: tier.name, score: tier.score}
		for _, raw := range append(append([]string{}, defaultKeywords[tier.name]...), tier.configured...) {
			re, err := regexp.Compile(`(?i)` + raw)
			if err != nil {
				continue
			}
			kt.patterns = append(kt.patterns, re)
		}
		c.keywordTiers = append(c.keywordTiers, kt)
	}
	return c
}

// Calculate scores a (log, reason, metadata) triple at the given wall-clock
// time. It is a pure function of its inputs and the accumulated pattern table.
func (c *Calculator) Calculate(logText, reason string, metadata map[string]string, now time.Time) Result {
	text := logText + " " + reason
	breakdown := make(map[string]float64, 4)
	var reasoning []string

	kw, kwWhy := c.keywordScore(text)
	breakdown[WeightKeyword] = kw
	reasoning = append(reasoning, kwWhy)

	svc, svcWhy := c.serviceScore(text, metadata)
	breakdown[WeightService] = svc
	reasoning = append(reasoning, svcWhy)

	tc, tcWhy := c.timeScore(now)
	breakdown[WeightTime] = tc
	reasoning = append(reasoning, tcWhy)

	hist, histWhy := c.historicalScore(reason)
	breakdown[WeightHistorical] = hist
	reasoning = append(reasoning, histWhy)

	score := kw*c.weights[WeightKeyword] +
		svc*c.weights[WeightService] +
		tc*c.weights[WeightTime] +
		hist*c.weights[WeightHistorical]
	score = clamp01(score)

	level := levelForScore(score)
	reasoning = append(reasoning, fmt.Sprintf("final score %.2f -> %s", score, level))

	return Result{
		Priority:    level,
		Score:       score,
		Breakdown:   breakdown,
		Reasoning:   reasoning,
		EstDuration: estDurations[level],
	}
}

// RecordPattern counts an occurrence of a normalized reason signature for
// the historical sub-score.
func (c *Calculator) RecordPattern(signature string) {
	c.patternCounts[signature]++
}

func (c *Calculator) keywordScore(text string) (float64, string) {
	for _, tier := range c.keywordTiers {
		for _, re := range tier.patterns {
			if loc := re.FindStringIndex(text); loc != nil {
				return tier.score, fmt.Sprintf("keyword: %s pattern %q matched", tier.name, re.String())
			}
		}
	}
	return 0, "keyword: no severity patterns matched"
}

var criticalityScores = map[string]float64{
	"critical": 1.0,
	"high":     0.8,
	"medium":   0.6,
	"low":      0.4,
}

func (c *Calculator) serviceScore(text string, metadata map[string]string) (float64, string) {
	var svc ServiceConfig
	var found bool

	if name, ok := metadata["service"]; ok {
		svc, found = c.services[strings.ToLower(name)]
	}
	if !found {
		// fall back to matching configured service names in the log text
		lower := strings.ToLower(text)
		for name, s := range c.services {
			if strings.Contains(lower, name) {
				svc, found = s, true
				break
			}
		}
	}
	if !found {
		return 0.2, "service: no known service identified"
	}

	base, ok := criticalityScores[strings.ToLower(svc.Criticality)]
	if !ok {
		base = 0.4
	}
	score := base * (0.7 + 0.3*clamp01(svc.BusinessImpact))
	if svc.UserCount > 10000 {
		score *= 1.2
	}
	score = clamp01(score)
	return score, fmt.Sprintf("service: %s criticality=%s impact score %.2f", svc.Name, svc.Criticality, score)
}

func (c *Calculator) timeScore(now time.Time) (float64, string) {
	score := 0.4
	var parts []string

	hour := now.Hour()
	if hour >= c.businessHours.StartHour && hour < c.businessHours.EndHour {
		score += 0.4
		parts = append(parts, "business hours")
	}
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		score -= 0.2
		parts = append(parts, "weekend")
	}
	if (hour >= 9 && hour < 11) || (hour >= 14 && hour < 16) {
		score += 0.3
		parts = append(parts, "peak band")
	}

	score = clamp01(score)
	if len(parts) == 0 {
		parts = append(parts, "off hours")
	}
	return score, fmt.Sprintf("time: %.2f (%s)", score, strings.Join(parts, ", "))
}

func (c *Calculator) historicalScore(reason string) (float64, string) {
	sig := NormalizeReason(reason)
	count := c.patternCounts[sig]
	score := float64(count) / historicalCap
	if score > 1 {
		score = 1
	}
	return score, fmt.Sprintf("historical: %d prior occurrences of %q", count, sig)
}

func levelForScore(score float64) Level {
	switch {
	case score >= criticalThreshold:
		return Critical
	case score >= highThreshold:
		return High
	case score >= mediumThreshold:
		return Medium
	default:
		return Low
	}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
