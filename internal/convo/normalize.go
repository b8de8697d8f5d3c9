package convo

import (
	"strings"

	"github.com/msunkaradtt/echoxr/internal/chat"
)

// similarityThreshold is the minimum word-set overlap for a transcript to be
// treated as the selection of a cached choice option.
const similarityThreshold = 0.7

// corrections maps normalized forms of frequently misrecognized trigger
// phrases to the value the chat backend scripts expect.
var corrections = map[string]string{
	"thirty second story": "30 second story",
	"thirty-second story": "30 second story",
	"dirty second story":  "30 second story",
	"one minute story":    "1 minute story",
	"won minute story":    "1 minute story",
	"too minute story":    "2 minute story",
	"two minute story":    "2 minute story",
}

// trailing politeness words dropped before matching.
var politeness = map[string]struct{}{"please": {}}

// Normalize maps a raw final transcript to the value posted to the chat
// backend. Known trigger phrases are corrected via a fixed table; otherwise
// the transcript is matched against the cached choice options and, when the
// overlap is strong enough, replaced by the option's underlying value (the
// backend expects the value, not the display label). When nothing matches,
// the transcript is returned unmodified.
func Normalize(transcript string, options []chat.Option) string {
	t := normalizeText(transcript)
	if t == "" {
		return transcript
	}
	if v, ok := corrections[t]; ok {
		return v
	}
	bestScore := 0.0
	bestValue := ""
	for _, opt := range options {
		score := WordSetSimilarity(t, opt.Label)
		if score > bestScore {
			bestScore = score
			bestValue = opt.Value
		}
	}
	if bestScore >= similarityThreshold {
		return bestValue
	}
	return transcript
}

// normalizeText lower-cases, trims trailing punctuation and drops a trailing
// politeness word.
func normalizeText(s string) string {
	t := strings.ToLower(strings.TrimSpace(s))
	t = strings.TrimRight(t, ".,!?;: ")
	fields := strings.Fields(t)
	if len(fields) > 1 {
		if _, ok := politeness[fields[len(fields)-1]]; ok {
			fields = fields[:len(fields)-1]
		}
	}
	return strings.Join(fields, " ")
}

// WordSetSimilarity scores two phrases by the intersection-over-union of
// their whitespace-tokenized lowercase word sets. Symmetric; 1 for identical
// sets, 0 when no tokens are shared.
func WordSetSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = struct{}{}
	}
	return out
}

// MatchEndPhrase reports whether the transcript contains one of the
// configured end-trigger phrases. Detection is advisory: callers currently
// only log it.
func MatchEndPhrase(transcript string, phrases []string) (string, bool) {
	t := strings.ToLower(transcript)
	for _, p := range phrases {
		if p != "" && strings.Contains(t, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}
