// Package scoring implements the Quality Scorer: a pure, deterministic
// function from a response's content (and the originating prompt) to a
// QualityScore, used by both the Voting Engine and the Synthesis Engine's
// quality loop. It does no I/O and holds no state, matching the classifier
// package's pure-function idiom.
package scoring

import (
	"regexp"
	"strings"

	"github.com/ensemblehub/ensemblehub/internal/ensemble"
)

const (
	minLen = 50
	maxLen = 4000

	// prompt words of this length or shorter are excluded from the
	// prompt-relevance token intersection, as are stopWords.
	relevanceMinWordLen = 3
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "all": true, "can": true, "had": true, "her": true, "was": true,
	"one": true, "our": true, "out": true, "day": true, "get": true, "has": true,
	"him": true, "his": true, "how": true, "man": true, "new": true, "now": true,
	"old": true, "see": true, "two": true, "way": true, "who": true, "boy": true,
	"did": true, "its": true, "let": true, "put": true, "say": true, "she": true,
	"too": true, "use": true, "with": true, "this": true, "that": true, "what": true,
	"from": true, "have": true, "will": true, "your": true, "about": true,
}

var (
	headingRe  = regexp.MustCompile(`(?m)^#{1,6}\s`)
	bulletRe   = regexp.MustCompile(`(?m)^\s*[-*•]\s`)
	boldRe     = regexp.MustCompile(`\*\*[^*]+\*\*`)
	numberRe   = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	exampleRe  = regexp.MustCompile(`(?i)\bfor example\b|\be\.g\.|\bsuch as\b|\bfor instance\b`)
	reasonRe   = regexp.MustCompile(`(?i)\btherefore\b|\bbecause\b|\bconsequently\b|\bas a result\b|\bthus\b|\bhence\b`)
	wordSplit  = regexp.MustCompile(`[^a-zA-Z0-9']+`)
)

// Score computes a QualityScore for content given the prompt it answers.
func Score(prompt string, content string) ensemble.QualityScore {
	length := lengthComponent(content)
	structure := structureComponent(content)
	relevance := relevanceComponent(prompt, content)
	specificity := specificityComponent(content)

	composite := clamp01(0.25*length + 0.25*structure + 0.30*relevance + 0.20*specificity)

	return ensemble.QualityScore{
		Coherence:    structure,
		Relevance:    relevance,
		Completeness: length,
		Overall:      composite,
	}
}

// lengthComponent scores content length within [minLen, maxLen], penalizing
// both terse non-answers and runaway verbosity.
func lengthComponent(content string) float64 {
	n := len(content)
	switch {
	case n == 0:
		return 0
	case n < minLen:
		return clamp01(float64(n) / float64(minLen))
	case n <= maxLen:
		return 1
	default:
		// Mild penalty past the cap rather than a hard cliff; the score never
		// drops below 0.1, so long content is penalized but not zeroed.
		over := float64(n-maxLen) / float64(maxLen)
		if v := 1 - 0.5*over; v > 0.1 {
			return v
		}
		return 0.1
	}
}

// structureComponent rewards headings, bullet lists, and bolded spans —
// signals that the response organized itself rather than running on as one
// undifferentiated paragraph.
func structureComponent(content string) float64 {
	score := 0.0
	if headingRe.MatchString(content) {
		score += 0.4
	}
	if n := len(bulletRe.FindAllString(content, -1)); n > 0 {
		score += clamp01(float64(n) / 5.0 * 0.4)
	}
	if boldRe.MatchString(content) {
		score += 0.2
	}
	return clamp01(score)
}

// relevanceComponent is the tokenized intersection-over-prompt-tokens ratio,
// ignoring stop words and prompt words of relevanceMinWordLen characters or fewer.
func relevanceComponent(prompt, content string) float64 {
	promptTokens := significantTokens(prompt)
	if len(promptTokens) == 0 {
		return 0.5 // nothing to check relevance against; neutral score
	}
	contentTokens := make(map[string]bool)
	for _, w := range wordSplit.Split(strings.ToLower(content), -1) {
		if w != "" {
			contentTokens[w] = true
		}
	}
	matched := 0
	for t := range promptTokens {
		if contentTokens[t] {
			matched++
		}
	}
	return clamp01(float64(matched) / float64(len(promptTokens)))
}

func significantTokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range wordSplit.Split(strings.ToLower(s), -1) {
		if len(w) > relevanceMinWordLen && !stopWords[w] {
			out[w] = true
		}
	}
	return out
}

// specificityComponent rewards concrete markers: numbers, worked examples,
// and explicit reasoning connectives, which together distinguish a grounded
// answer from generic filler.
func specificityComponent(content string) float64 {
	score := 0.0
	if n := len(numberRe.FindAllString(content, -1)); n > 0 {
		score += clamp01(float64(n) / 5.0 * 0.4)
	}
	if exampleRe.MatchString(content) {
		score += 0.3
	}
	if reasonRe.MatchString(content) {
		score += 0.3
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
