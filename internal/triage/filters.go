package triage

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/linnemanlabs/go-core/log"
)

// routinePatterns match log lines that never warrant a model call:
// successful HTTP traffic, health probes, the agent's own output, and
// routine bridge-state churn.
var routinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`HTTP/\d\.\d"?\s+[23]\d\d\b`),
	regexp.MustCompile(`(?i)(GET|HEAD)\s+/(health|healthz|readyz|livez|ping|status)\b`),
	regexp.MustCompile(`kube-probe/`),
	regexp.MustCompile(`(?i)health\s*check\s+(passed|ok|succeeded)`),
	regexp.MustCompile(`\[seraph\]`),
	regexp.MustCompile(`(?i)bridge\b.*\bstate\b.*(changed|transition)`),
	regexp.MustCompile(`(?i)^\s*(info|debug):?\s+connection (established|closed) normally`),
}

func isRoutine(line string) bool {
	for _, p := range routinePatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// extractContent unwraps known JSON log envelopes. Container runtimes put
// the human-readable line under "log"; journald exports use "MESSAGE".
func extractContent(line string) string {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return line
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return line
	}
	for _, field := range []string{"log", "MESSAGE"} {
		if raw, ok := envelope[field]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && s != "" {
				return s
			}
		}
	}
	return line
}

const maxPatternLen = 512

// nestedQuantifier flags patterns like (a+)+ that explode on some regex
// engines. The runtime here is linear-time, but configs are shared with
// systems that are not, so these are rejected at the boundary.
var nestedQuantifier = regexp.MustCompile(`\([^)]*[+*][^)]*\)[+*{]`)

// compilePatterns compiles the configured pre-filter list, logging and
// skipping any pattern that is invalid or unsafe.
func compilePatterns(ctx context.Context, patterns []string, logger log.Logger) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		if len(pat) > maxPatternLen {
			logger.Warn(ctx, "skipping oversized filter pattern", "length", len(pat))
			continue
		}
		if nestedQuantifier.MatchString(pat) {
			logger.Warn(ctx, "skipping unsafe filter pattern", "pattern", pat)
			continue
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			logger.Warn(ctx, "skipping invalid filter pattern", "pattern", pat, "error", err)
			continue
		}
		out = append(out, re)
	}
	return out
}
