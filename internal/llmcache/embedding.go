package llmcache

import (
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// embeddingDim is the fixed dimensionality of feature-hash embeddings.
// Changing it invalidates every stored embedding.
const embeddingDim = 64

const (
	identityWeight = 3.0
	keywordWeight  = 1.0
)

// Identity features pin an embedding to a concrete subject. Two prompts
// about the same pod or the same error class should land close together
// even when the surrounding prose differs.
var identityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)pod[\s=:/"]+([a-z0-9][a-z0-9.-]*)`),
	regexp.MustCompile(`(?i)namespace[\s=:/"]+([a-z0-9][a-z0-9-]*)`),
	regexp.MustCompile(`(?i)service[\s=:/"]+([a-z0-9][a-z0-9.-]*)`),
	regexp.MustCompile(`(?i)container[\s=:/"]+([a-z0-9][a-z0-9.-]*)`),
	regexp.MustCompile(`(?i)\b(oomkilled|crashloopbackoff|imagepullbackoff|evicted)\b`),
	regexp.MustCompile(`(?i)\b(timeout|connection refused|permission denied|out of memory|deadlock|segfault|panic)\b`),
	regexp.MustCompile(`\b(\d{1,3}(?:\.\d{1,3}){3})\b`),
}

var wordPattern = regexp.MustCompile(`[a-z][a-z0-9_]{3,}`)

var stopwords = map[string]struct{}{
	"this": {}, "that": {}, "with": {}, "from": {}, "have": {}, "been": {},
	"were": {}, "when": {}, "will": {}, "there": {}, "which": {}, "their": {},
	"would": {}, "could": {}, "should": {}, "about": {}, "into": {}, "some": {},
}

// embed maps text to a unit-length vector. Features hash to a fixed
// dimension, identity features weighted above plain keywords, so cosine
// similarity of two embeddings reflects shared subjects more than shared
// vocabulary.
func embed(text string) []float64 {
	vec := make([]float64, embeddingDim)
	lower := strings.ToLower(text)

	for _, p := range identityPatterns {
		for _, m := range p.FindAllStringSubmatch(lower, -1) {
			feat := m[0]
			if len(m) > 1 && m[1] != "" {
				feat = m[1]
			}
			vec[bucket("id:"+feat)] += identityWeight
		}
	}
	for _, w := range wordPattern.FindAllString(lower, -1) {
		if _, skip := stopwords[w]; skip {
			continue
		}
		vec[bucket("kw:"+w)] += keywordWeight
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func bucket(feature string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(feature))
	return int(h.Sum32() % embeddingDim)
}

// cosine returns the cosine similarity of two vectors, 0 when either is
// zero or the lengths differ.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
