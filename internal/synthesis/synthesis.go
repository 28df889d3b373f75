// Package synthesis implements the Synthesis Engine: strategy-adapted
// reconciliation of an ensemble's responses into one answer, with a bounded
// one-round quality-improvement loop and a verbatim fallback when synthesis
// itself cannot be attempted.
package synthesis

import (
	"context"
	"strings"
	"time"

	"github.com/ensemblehub/ensemblehub/internal/ensemble"
	"github.com/ensemblehub/ensemblehub/internal/scoring"
)

// Synthesizer performs one synthesis or improvement call against an LLM.
// Implemented by an adapter over *router.Engine in the orchestrator package;
// kept as an interface here so this package has no provider dependency.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (content string, err error)
}

// Request is everything one synthesis call needs.
type Request struct {
	Prompt        ensemble.Prompt
	Strategy      ensemble.SynthesisStrategy
	Instructions  string // the strategy-adapted synthesis prompt
	MaxTokens     int
	Temperature   float64
	Sources       []ensemble.RoleResponse
}

// Config bounds one synthesis run.
type Config struct {
	MinQuality float64 // below this, attempt one improvement round; default 0.6
	BaseTemp   float64 // default 0.3
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{MinQuality: 0.6, BaseTemp: 0.3}
}

var conflictKeywords = []string{"however", "in contrast", "on the other hand", "disagree", "contradicts", "whereas", "unlike"}

// strategyProfile names a synthesis approach per prompt category and the
// focus areas to steer the synthesis prompt toward.
type strategyProfile struct {
	strategy    ensemble.SynthesisStrategy
	focusAreas  []string
	promptStem  string
}

var strategyByCategory = map[ensemble.PromptCategory]strategyProfile{
	ensemble.CategoryAnalytical: {
		strategy:   ensemble.StrategyMerge,
		focusAreas: []string{"trade-offs", "comparative structure"},
		promptStem: "Synthesize a single balanced analysis from the following independent responses, reconciling any disagreements explicitly",
	},
	ensemble.CategoryCreative: {
		strategy:   ensemble.StrategyBestOfN,
		focusAreas: []string{"voice", "originality"},
		promptStem: "Select and polish the strongest creative elements across the following independent responses into one cohesive piece",
	},
	ensemble.CategoryTechnical: {
		strategy:   ensemble.StrategyExtractCite,
		focusAreas: []string{"correctness", "precision"},
		promptStem: "Synthesize one technically precise answer from the following independent responses, preserving implementation detail and citing which response a claim came from when they disagree",
	},
	ensemble.CategoryExplanatory: {
		strategy:   ensemble.StrategyMerge,
		focusAreas: []string{"clarity", "completeness"},
		promptStem: "Synthesize one clear, complete explanation from the following independent responses",
	},
	ensemble.CategoryFactual: {
		strategy:   ensemble.StrategyExtractCite,
		focusAreas: []string{"accuracy"},
		promptStem: "Synthesize one factually precise answer from the following independent responses, flagging any factual disagreement between them",
	},
	ensemble.CategoryConversational: {
		strategy:   ensemble.StrategyBestOfN,
		focusAreas: []string{"tone"},
		promptStem: "Combine the most natural and helpful elements of the following independent responses into one reply",
	},
}

// Synthesize selects a strategy from prompt.Category, builds the adapted
// synthesis prompt, calls the synthesizer, and runs the bounded quality
// loop. The number of successful roles feeds the token budget formula.
// Conflict detection looks for contradiction keywords in any successful
// source's content; the voting argument is not read.
func Synthesize(ctx context.Context, cfg Config, synth Synthesizer, prompt ensemble.Prompt, sources []ensemble.RoleResponse, voting ensemble.VotingResult, complexity Complexity) ensemble.SynthesisResult {
	start := time.Now()

	successful := make([]ensemble.RoleResponse, 0, len(sources))
	for _, r := range sources {
		if r.Ok() {
			successful = append(successful, r)
		}
	}
	if len(successful) == 0 {
		return fallbackUnableToRespond(start)
	}
	if synth == nil {
		return fallbackBestResponse(successful, start)
	}

	profile := strategyByCategory[prompt.Category]
	if profile.strategy == "" {
		profile = strategyByCategory[ensemble.CategoryConversational]
	}

	comparativePairs := len(successful) * (len(successful) - 1) / 2
	instructions := buildInstructions(profile, successful, complexity)

	alloc := tokenBudget(len(successful), comparativePairs)
	temp := cfg.BaseTemp
	if hasConflict(successful) {
		temp += 0.15
	}

	req := Request{
		Prompt:       prompt,
		Strategy:     profile.strategy,
		Instructions: instructions,
		MaxTokens:    alloc,
		Temperature:  temp,
		Sources:      successful,
	}

	content, err := synth.Synthesize(ctx, req)
	if err != nil || strings.TrimSpace(content) == "" {
		return fallbackBestResponse(successful, start)
	}

	quality := scoring.Score(lastUserMessage(prompt), content)
	stage := ensemble.StageInitial
	iterations := 1

	minQuality := cfg.MinQuality
	if minQuality <= 0 {
		minQuality = 0.6
	}

	if quality.Overall < minQuality {
		improveReq := req
		improveReq.Instructions = instructions + "\n\nThe previous synthesis scored below the quality bar. Improve it: address gaps in relevance, structure, and specificity."
		improveReq.Temperature = temp - 0.1
		improved, improveErr := synth.Synthesize(ctx, improveReq)
		iterations++
		if improveErr == nil && strings.TrimSpace(improved) != "" {
			improvedQuality := scoring.Score(lastUserMessage(prompt), improved)
			if improvedQuality.Overall > quality.Overall {
				content, quality, stage = improved, improvedQuality, ensemble.StageImproved
			}
		}
	}

	return ensemble.SynthesisResult{
		Content:          content,
		Strategy:         profile.strategy,
		Stage:            stage,
		Iterations:       iterations,
		FinalQuality:     quality,
		SourcesUsed:      modelIDs(successful),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
}

// Complexity is the Orchestrator's length+keyword complexity classification,
// passed through so the synthesis prompt can adapt (preserve depth vs expand
// coverage).
type Complexity string

const (
	ComplexityHigh   Complexity = "high"
	ComplexityMedium Complexity = "medium"
	ComplexityLow    Complexity = "low"
)

func buildInstructions(profile strategyProfile, sources []ensemble.RoleResponse, complexity Complexity) string {
	var b strings.Builder
	b.WriteString(profile.promptStem)
	b.WriteString(".")

	if hasConflict(sources) {
		b.WriteString(" The responses disagree on some points — resolve the disagreement explicitly rather than presenting both sides as equally valid.")
	}
	switch complexity {
	case ComplexityHigh:
		b.WriteString(" Preserve technical depth; do not simplify away precision.")
	case ComplexityLow:
		b.WriteString(" Expand coverage — the sources are thin, so fill reasonable gaps.")
	}
	if hasStructure(sources) {
		b.WriteString(" Preserve the structure (headings/lists) the sources already used.")
	}
	return b.String()
}

// tokenBudget implements alloc = min(700, 200 + 200*successfulRoles + 50*comparativePairs).
func tokenBudget(successfulRoles, comparativePairs int) int {
	alloc := 200 + 200*successfulRoles + 50*comparativePairs
	if alloc > 700 {
		alloc = 700
	}
	return alloc
}

func hasConflict(sources []ensemble.RoleResponse) bool {
	for i := 0; i < len(sources); i++ {
		lowered := strings.ToLower(sources[i].Content)
		for _, kw := range conflictKeywords {
			if strings.Contains(lowered, kw) {
				return true
			}
		}
	}
	return false
}

func hasStructure(sources []ensemble.RoleResponse) bool {
	for _, s := range sources {
		if strings.Contains(s.Content, "\n#") || strings.Contains(s.Content, "\n-") || strings.Contains(s.Content, "\n*") {
			return true
		}
	}
	return false
}

// fallbackBestResponse picks the highest-confidence successful role's
// content verbatim — the documented fallback when synthesis cannot be
// attempted or fails outright.
func fallbackBestResponse(successful []ensemble.RoleResponse, start time.Time) ensemble.SynthesisResult {
	best := successful[0]
	for _, r := range successful[1:] {
		if r.Confidence.Calibrated > best.Confidence.Calibrated {
			best = r
		}
	}
	return ensemble.SynthesisResult{
		Content:          best.Content,
		ModelID:          best.ModelID,
		Stage:            ensemble.StageFallback,
		Iterations:       0,
		FinalQuality:     best.Quality,
		SourcesUsed:      []ensemble.ModelID{best.ModelID},
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
}

// fallbackUnableToRespond is the last-resort result when every role failed.
func fallbackUnableToRespond(start time.Time) ensemble.SynthesisResult {
	return ensemble.SynthesisResult{
		Content:          "I'm unable to respond right now — every model in the ensemble failed to answer this request.",
		Stage:            ensemble.StageFallback,
		FinalQuality:     ensemble.QualityScore{Overall: 0.1},
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
}

func modelIDs(responses []ensemble.RoleResponse) []ensemble.ModelID {
	out := make([]ensemble.ModelID, len(responses))
	for i, r := range responses {
		out[i] = r.ModelID
	}
	return out
}

func lastUserMessage(prompt ensemble.Prompt) string {
	for i := len(prompt.Messages) - 1; i >= 0; i-- {
		if prompt.Messages[i].Role == "user" {
			return prompt.Messages[i].Content
		}
	}
	return ""
}
