// Package voting implements the Voting Engine: multi-factor weighted scoring
// of an ensemble's responses, adaptive reweighting by request shape,
// consensus grading, and meta-voter tie-breaking for near ties.
package voting

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ensemblehub/ensemblehub/internal/ensemble"
)

// WeightFactors are the six components of a response's base vote score.
// Defaults sum to 1.0; Vote applies Normalize on every call, which rescales
// any other total to 1.0. No warning is logged when the total differs from
// 1.0.
type WeightFactors struct {
	Confidence float64
	Quality    float64
	Historical float64
	Semantic   float64
	Consensus  float64
	Diversity  float64
}

// DefaultWeightFactors returns the spec's default weights.
func DefaultWeightFactors() WeightFactors {
	return WeightFactors{
		Confidence: 0.25,
		Quality:    0.20,
		Historical: 0.20,
		Semantic:   0.15,
		Consensus:  0.10,
		Diversity:  0.10,
	}
}

// Sum totals the six components.
func (w WeightFactors) Sum() float64 {
	return w.Confidence + w.Quality + w.Historical + w.Semantic + w.Consensus + w.Diversity
}

// Normalize rescales every component so the total is 1.0. A total of zero is
// left unchanged to avoid a divide-by-zero.
func (w WeightFactors) Normalize() WeightFactors {
	total := w.Sum()
	if total <= 0 {
		return w
	}
	return WeightFactors{
		Confidence: w.Confidence / total,
		Quality:    w.Quality / total,
		Historical: w.Historical / total,
		Semantic:   w.Semantic / total,
		Consensus:  w.Consensus / total,
		Diversity:  w.Diversity / total,
	}
}

// MetaVoterConfig controls when the meta-voter tie-breaker fires.
type MetaVoterConfig struct {
	MaxWeightDifference float64 // fire when top1-top2 score gap is below this
	MinConsensusGrade   ensemble.ConsensusGrade
	Timeout             time.Duration
}

// DefaultMetaVoterConfig matches the spec's example trigger thresholds.
func DefaultMetaVoterConfig() MetaVoterConfig {
	return MetaVoterConfig{
		MaxWeightDifference: 0.05,
		MinConsensusGrade:   ensemble.ConsensusModerate,
		Timeout:             10 * time.Second,
	}
}

// MetaVoter is invoked to break a near-tie with a single structured LLM
// call. On error the algorithmic winner stands — the caller handles that by
// ignoring the error and keeping Vote's own result.
type MetaVoter interface {
	Decide(ctx context.Context, prompt ensemble.Prompt, candidates []ensemble.RoleResponse) (ensemble.ModelID, error)
}

// Config bundles the weighting and tie-break policy for one Vote call.
type Config struct {
	Weights   WeightFactors
	MetaVoter MetaVoterConfig
}

// DefaultConfig returns the spec's default weighting and meta-voter trigger.
func DefaultConfig() Config {
	return Config{Weights: DefaultWeightFactors(), MetaVoter: DefaultMetaVoterConfig()}
}

var consensusRank = map[ensemble.ConsensusGrade]int{
	ensemble.ConsensusVeryWeak:   0,
	ensemble.ConsensusWeak:       1,
	ensemble.ConsensusModerate:   2,
	ensemble.ConsensusStrong:     3,
	ensemble.ConsensusVeryStrong: 4,
}

// Vote scores every successful response, adapts weights to the request
// shape, grades consensus, and (when MetaVoter is supplied and the
// algorithmic top two are a near tie with at least moderate consensus)
// breaks the tie with one meta-voter call. Responses with Err != nil are
// excluded from scoring entirely.
func Vote(ctx context.Context, prompt ensemble.Prompt, responses []ensemble.RoleResponse, reliability map[ensemble.ModelID]ensemble.ReliabilityRecord, cfg Config, mv MetaVoter) ensemble.VotingResult {
	successful := make([]ensemble.RoleResponse, 0, len(responses))
	for _, r := range responses {
		if r.Ok() {
			successful = append(successful, r)
		}
	}
	if len(successful) == 0 {
		return ensemble.VotingResult{Reason: "no successful responses"}
	}

	base := cfg.Weights.Normalize()
	pairwise := pairwiseSimilarity(successful)

	// First pass: score with base weights to observe the request shape.
	firstScores, firstResponseScores := scoreAll(successful, reliability, base, pairwise)
	firstGap := topMinusMean(firstScores)
	firstConsensus := ensemble.GradeFromGap(clamp01(firstGap * 2))
	meanLen := meanContentLength(successful)
	meanDiversity := meanDiversity(pairwise)

	adapted, adjustments := adapt(base, firstConsensus, meanDiversity, meanLen)

	scores, responseScores := firstScores, firstResponseScores
	if adjustments != nil {
		scores, responseScores = scoreAll(successful, reliability, adapted, pairwise)
	}

	weights := normalizeScoresToWeights(scores)
	gap := topMinusMean(scores)
	consensus := ensemble.GradeFromGap(clamp01(gap * 2))

	winner, runnerUpGap := topTwo(scores)

	result := ensemble.VotingResult{
		WinnerModelID:   winner,
		Scores:          scores,
		Weights:         weights,
		Consensus:       consensus,
		ScoreGap:        gap,
		AdaptiveWeights: adjustments,
		ResponseScores:  responseScores,
		Reason:          "algorithmic",
	}

	if mv != nil && runnerUpGap < cfg.MetaVoter.MaxWeightDifference && consensusRank[consensus] >= consensusRank[cfg.MetaVoter.MinConsensusGrade] {
		result.TieBroken = tryMetaVoter(ctx, prompt, successful, cfg.MetaVoter, mv, &result)
	}

	return result
}

// scoreAll computes each response's weighted base vote score and its
// transparency breakdown.
func scoreAll(responses []ensemble.RoleResponse, reliability map[ensemble.ModelID]ensemble.ReliabilityRecord, w WeightFactors, pairwise map[ensemble.ModelID]float64) (map[ensemble.ModelID]float64, []ensemble.ResponseScore) {
	scores := make(map[ensemble.ModelID]float64, len(responses))
	details := make([]ensemble.ResponseScore, 0, len(responses))

	for _, r := range responses {
		historical := 1.0
		if rec, ok := reliability[r.ModelID]; ok {
			historical = rec.Uptime24h
		}
		consensusFactor := pairwise[r.ModelID]
		diversityFactor := 1 - consensusFactor

		factors := map[string]float64{
			"confidence": r.Confidence.Calibrated,
			"quality":    r.Quality.Overall,
			"historical": historical,
			"semantic":   r.Confidence.Semantic,
			"consensus":  consensusFactor,
			"diversity":  diversityFactor,
		}
		total := w.Confidence*factors["confidence"] +
			w.Quality*factors["quality"] +
			w.Historical*factors["historical"] +
			w.Semantic*factors["semantic"] +
			w.Consensus*factors["consensus"] +
			w.Diversity*factors["diversity"]

		scores[r.ModelID] = total
		details = append(details, ensemble.ResponseScore{ModelID: r.ModelID, Total: total, Factors: factors})
	}
	return scores, details
}

// adapt applies the spec's three adaptive-weight rules, each paired with an
// equal reduction spread across the other components, then renormalizes.
// Returns nil for adjustments when no rule fired, signaling the caller to
// keep the first-pass scores rather than rescore.
func adapt(base WeightFactors, consensus ensemble.ConsensusGrade, meanDiversity, meanLen float64) (WeightFactors, map[string]float64) {
	adjustments := map[string]float64{}
	w := base

	if consensus == ensemble.ConsensusWeak || consensus == ensemble.ConsensusVeryWeak {
		bump(&w.Historical, &w, 0.10)
		adjustments["historical"] = 0.10
	}
	if meanDiversity < 0.3 {
		bump(&w.Diversity, &w, 0.10)
		adjustments["diversity"] = 0.10
	}
	if meanLen > 1000 {
		bump(&w.Quality, &w, 0.10)
		adjustments["quality"] = 0.10
	}

	if len(adjustments) == 0 {
		return base, nil
	}
	return w.Normalize(), adjustments
}

// bump raises *target by delta and spreads an equal total reduction across
// the other five components proportional to their current share.
func bump(target *float64, w *WeightFactors, delta float64) {
	others := w.Sum() - *target
	if others <= 0 {
		*target += delta
		return
	}
	reduceEach := delta / others
	apply := func(f *float64) {
		if f == target {
			return
		}
		*f -= *f * reduceEach
	}
	apply(&w.Confidence)
	apply(&w.Quality)
	apply(&w.Historical)
	apply(&w.Semantic)
	apply(&w.Consensus)
	apply(&w.Diversity)
	*target += delta
}

// pairwiseSimilarity returns, per model, the mean Jaccard token similarity of
// its content against every other response — the "consensus" factor. Token
// sets are lowercased whole words; empty content yields similarity 0.
func pairwiseSimilarity(responses []ensemble.RoleResponse) map[ensemble.ModelID]float64 {
	tokenSets := make(map[ensemble.ModelID]map[string]bool, len(responses))
	for _, r := range responses {
		tokenSets[r.ModelID] = tokenize(r.Content)
	}

	out := make(map[ensemble.ModelID]float64, len(responses))
	for _, r := range responses {
		if len(responses) == 1 {
			out[r.ModelID] = 1 // a single response trivially agrees with itself
			continue
		}
		var sum float64
		count := 0
		for _, other := range responses {
			if other.ModelID == r.ModelID {
				continue
			}
			sum += jaccard(tokenSets[r.ModelID], tokenSets[other.ModelID])
			count++
		}
		if count > 0 {
			out[r.ModelID] = sum / float64(count)
		}
	}
	return out
}

func meanDiversity(pairwise map[ensemble.ModelID]float64) float64 {
	if len(pairwise) == 0 {
		return 0
	}
	var sum float64
	for _, v := range pairwise {
		sum += 1 - v
	}
	return sum / float64(len(pairwise))
}

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()[]{}")
		if w != "" {
			out[w] = true
		}
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func meanContentLength(responses []ensemble.RoleResponse) float64 {
	if len(responses) == 0 {
		return 0
	}
	var total int
	for _, r := range responses {
		total += len(r.Content)
	}
	return float64(total) / float64(len(responses))
}

// normalizeScoresToWeights rescales raw scores to sum to 1, the VotingResult
// weights table downstream components (reliability feedback, metadata) read.
func normalizeScoresToWeights(scores map[ensemble.ModelID]float64) map[ensemble.ModelID]float64 {
	var total float64
	for _, s := range scores {
		total += s
	}
	out := make(map[ensemble.ModelID]float64, len(scores))
	if total <= 0 {
		even := 1.0 / float64(len(scores))
		for id := range scores {
			out[id] = even
		}
		return out
	}
	for id, s := range scores {
		out[id] = s / total
	}
	return out
}

func topMinusMean(scores map[ensemble.ModelID]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var top, sum float64
	first := true
	for _, s := range scores {
		if first || s > top {
			top = s
			first = false
		}
		sum += s
	}
	mean := sum / float64(len(scores))
	return top - mean
}

// topTwo returns the winning model ID and the score gap between the top two
// candidates (1, the largest gap possible for scores in [0,1], when there is
// only one candidate, so no tie-break fires on a single response unless
// MaxWeightDifference exceeds 1).
func topTwo(scores map[ensemble.ModelID]float64) (ensemble.ModelID, float64) {
	type pair struct {
		id    ensemble.ModelID
		score float64
	}
	ranked := make([]pair, 0, len(scores))
	for id, s := range scores {
		ranked = append(ranked, pair{id, s})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) < 2 {
		return ranked[0].id, 1
	}
	return ranked[0].id, ranked[0].score - ranked[1].score
}

// tryMetaVoter invokes mv with its own bounded timeout. On success it
// replaces result.WinnerModelID (never the weights table) and records the
// tie-break; on failure or timeout the algorithmic winner stands.
func tryMetaVoter(ctx context.Context, prompt ensemble.Prompt, candidates []ensemble.RoleResponse, cfg MetaVoterConfig, mv MetaVoter, result *ensemble.VotingResult) bool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	mvCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	winner, err := mv.Decide(mvCtx, prompt, candidates)
	if err != nil || winner == "" {
		return false
	}
	result.WinnerModelID = winner
	result.MetaVoterUsed = true
	result.Reason = "meta_voter"
	return true
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
