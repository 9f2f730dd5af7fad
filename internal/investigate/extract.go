package investigate

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/linnemanlabs/seraph/internal/alertsink"
)

var (
	fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

	keyPatterns = map[string]*regexp.Regexp{
		"root":   regexp.MustCompile(`"rootCauseAnalysis"\s*:\s*"((?:[^"\\]|\\.)*)"`),
		"impact": regexp.MustCompile(`"impactAssessment"\s*:\s*"((?:[^"\\]|\\.)*)"`),
	}
)

// extractAnalysis parses a structured analysis out of free-form model
// output, tolerating three shapes: a code-fenced JSON block, a bare
// brace-balanced object, and loose key-value text. Anything else becomes
// the root cause verbatim.
func extractAnalysis(text string) *alertsink.Analysis {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		if a := tryUnmarshal(m[1]); a != nil {
			return a
		}
	}
	if obj := braceBalanced(text); obj != "" {
		if a := tryUnmarshal(obj); a != nil {
			return a
		}
	}
	if a := regexFallback(text); a != nil {
		return a
	}
	return &alertsink.Analysis{
		RootCauseAnalysis: strings.TrimSpace(text),
		ImpactAssessment:  "unknown",
	}
}

func tryUnmarshal(s string) *alertsink.Analysis {
	var a alertsink.Analysis
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return nil
	}
	if a.RootCauseAnalysis == "" {
		return nil
	}
	return &a
}

// braceBalanced returns the first top-level {...} span of text, found by
// depth counting with string-literal awareness.
func braceBalanced(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

// regexFallback scrapes the two mandatory fields out of malformed JSON.
func regexFallback(text string) *alertsink.Analysis {
	rm := keyPatterns["root"].FindStringSubmatch(text)
	if rm == nil {
		return nil
	}
	a := &alertsink.Analysis{RootCauseAnalysis: unescape(rm[1]), ImpactAssessment: "unknown"}
	if im := keyPatterns["impact"].FindStringSubmatch(text); im != nil {
		a.ImpactAssessment = unescape(im[1])
	}
	return a
}

func unescape(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}
