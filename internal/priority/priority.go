// Package priority implements alert prioritization for the scheduler: the
// priority calculator (keyword, service impact, time context, and historical
// sub-scores) and the bounded priority queue with aging.
package priority

import (
	"regexp"
	"strings"
	"time"
)

// Level orders alert priorities. Lower values are more urgent so the value
// doubles as the primary heap key.
type Level int

const (
	Critical Level = iota
	High
	Medium
	Low
)

func (l Level) String() string {
	switch l {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Medium:
		return "MEDIUM"
	case Low:
		return "LOW"
	}
	return "UNKNOWN"
}

// ParseLevel maps a config string to a Level. Unknown strings map to Low.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return Critical
	case "HIGH":
		return High
	case "MEDIUM":
		return Medium
	default:
		return Low
	}
}

// Alert is a triage-confirmed anomaly owned by either the queue or a
// running investigation.
type Alert struct {
	ID          string
	Log         string
	Reason      string
	Priority    Level
	Score       float64
	EstDuration time.Duration
	EnqueuedAt  time.Time
	SessionID   string
	Metadata    map[string]string
}

var (
	numberPattern = regexp.MustCompile(`\d+`)
	spacePattern  = regexp.MustCompile(`\s+`)

	// phrase normalizations collapse families of reasons that differ only
	// in incidental detail into one dedup signature
	phraseNormalizations = []struct {
		pattern *regexp.Regexp
		repl    string
	}{
		{regexp.MustCompile(`domain name .* not found`), "domain_name_not_found"},
		{regexp.MustCompile(`connection refused to \S+`), "connection_refused"},
		{regexp.MustCompile(`no route to host \S*`), "no_route_to_host"},
		{regexp.MustCompile(`pod \S+ (crashloop|oomkilled|evicted)`), "pod_$1"},
		{regexp.MustCompile(`disk .* (full|usage)`), "disk_pressure"},
	}
)

// NormalizeReason canonicalizes a triage reason for deduplication and
// historical pattern matching: lowercase, digits collapsed to N, whitespace
// collapsed, plus a fixed set of phrase normalizations.
func NormalizeReason(reason string) string {
	s := strings.ToLower(strings.TrimSpace(reason))
	for _, pn := range phraseNormalizations {
		s = pn.pattern.ReplaceAllString(s, pn.repl)
	}
	s = numberPattern.ReplaceAllString(s, "N")
	s = spacePattern.ReplaceAllString(s, " ")
	return s
}
