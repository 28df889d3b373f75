// Package calibration maps a model's raw, self-reported or heuristic
// confidence into a calibrated probability by fitting a linear regression
// against that model's history of (predicted_probability, actual_outcome)
// pairs, and blends in a semantic confidence signal independent of any
// model's own self-report.
package calibration

import (
	"math"
	"sync"

	"github.com/ensemblehub/ensemblehub/internal/ensemble"
)

// maxHistory bounds the per-model sample history, same bounded-ring-buffer
// discipline internal/stats.Collector uses for its snapshot window.
const maxHistory = 500

// outcome is one (predicted, actual) calibration sample.
type outcome struct {
	predicted float64
	actual    float64 // 1.0 success, 0.0 failure
}

// Calibrator fits a per-model linear mapping from raw confidence to
// calibrated confidence, refit lazily from bounded history.
type Calibrator struct {
	mu      sync.Mutex
	history map[ensemble.ModelID][]outcome
	fit     map[ensemble.ModelID][2]float64 // [slope, intercept]
}

// NewCalibrator creates an empty calibrator; every model starts with the
// identity mapping until it accumulates enough history to fit.
func NewCalibrator() *Calibrator {
	return &Calibrator{
		history: make(map[ensemble.ModelID][]outcome),
		fit:     make(map[ensemble.ModelID][2]float64),
	}
}

// minSamplesToFit is the smallest history size worth fitting a regression
// against; below this, a single bad sample would swing the fit wildly.
const minSamplesToFit = 8

// Observe records the outcome of one prediction (the raw confidence the
// model/heuristic reported, and whether the response was ultimately judged
// correct/accepted) and refits that model's calibration curve.
func (c *Calibrator) Observe(modelID ensemble.ModelID, predicted float64, success bool) {
	actual := 0.0
	if success {
		actual = 1.0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	h := append(c.history[modelID], outcome{predicted: predicted, actual: actual})
	if len(h) > maxHistory {
		h = h[len(h)-maxHistory:]
	}
	c.history[modelID] = h

	if len(h) >= minSamplesToFit {
		slope, intercept := fitLinear(h)
		c.fit[modelID] = [2]float64{slope, intercept}
	}
}

// Calibrate maps a raw confidence value through modelID's fitted curve,
// clamped to [0, 1]. Models without enough history yet pass through
// unchanged (identity mapping).
func (c *Calibrator) Calibrate(modelID ensemble.ModelID, raw float64) float64 {
	c.mu.Lock()
	params, ok := c.fit[modelID]
	c.mu.Unlock()
	if !ok {
		return clamp01(raw)
	}
	slope, intercept := params[0], params[1]
	return clamp01(slope*raw + intercept)
}

// fitLinear performs ordinary least squares: actual ~= slope*predicted + intercept.
func fitLinear(samples []outcome) (slope, intercept float64) {
	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		sumX += s.predicted
		sumY += s.actual
		sumXY += s.predicted * s.actual
		sumXX += s.predicted * s.predicted
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 1, 0 // degenerate (all predicted values identical): identity mapping
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// SemanticWeights controls how SemanticConfidence blends its three inputs.
// Exported so callers can tune it without forking the package.
var SemanticWeights = struct {
	Embedding float64
	Grammar   float64
	Latency   float64
}{
	Embedding: 0.4,
	Grammar:   0.3,
	Latency:   0.3,
}

// SemanticConfidence blends three signals independent of a model's own
// self-reported confidence:
//   - embeddingSimilarity: cosine similarity of the response against a
//     reference embedding (e.g. the prompt, or a consensus embedding of all
//     responses), already in [0, 1] (callers clamp before passing in)
//   - grammarScore: a cheap heuristic score for well-formedness, [0, 1]
//   - latencyMs: response latency; folded into a [0, 1] factor where lower
//     latency scores higher, saturating at latencyFloorMs and latencyCapMs
func SemanticConfidence(embeddingSimilarity, grammarScore, latencyMs float64) float64 {
	latencyFactor := latencyFactor(latencyMs)
	return SemanticWeights.Embedding*clamp01(embeddingSimilarity) +
		SemanticWeights.Grammar*clamp01(grammarScore) +
		SemanticWeights.Latency*latencyFactor
}

const (
	latencyFloorMs = 500.0  // at or below this, latency factor is 1.0
	latencyCapMs   = 8000.0 // at or above this, latency factor is 0.0
)

func latencyFactor(latencyMs float64) float64 {
	if latencyMs <= latencyFloorMs {
		return 1
	}
	if latencyMs >= latencyCapMs {
		return 0
	}
	return 1 - (latencyMs-latencyFloorMs)/(latencyCapMs-latencyFloorMs)
}
