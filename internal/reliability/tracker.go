// Package reliability maintains the 24-hour rolling reliability record for
// every model in the ensemble: uptime, average cost, and average latency,
// plus the fast consecutive-error signal that takes a model out of rotation
// before a full window's worth of data would otherwise reflect it.
//
// It is built from two teacher components rather than a new implementation:
// internal/stats.Collector supplies the windowed snapshot history that
// ReliabilityRecord.Uptime24h/AvgCostPer1KOut are derived from, and
// internal/health.Tracker supplies the consecutive-error degraded/down state
// machine used for fast-trip availability decisions ahead of the slower
// 24h-window signal.
package reliability

import (
	"sync"
	"time"

	"github.com/ensemblehub/ensemblehub/internal/ensemble"
	"github.com/ensemblehub/ensemblehub/internal/health"
	"github.com/ensemblehub/ensemblehub/internal/stats"
)

const historyWindow = "24h"

// Tracker computes ReliabilityRecord snapshots per model from rolling
// request history, and tracks fast consecutive-error degradation.
type Tracker struct {
	stats  *stats.Collector
	health *health.Tracker

	mu      sync.RWMutex
	records map[ensemble.ModelID]ensemble.ReliabilityRecord
}

// NewTracker wires a fresh stats collector and health tracker together.
// Pass opts through to the health tracker (e.g. health.WithEventBus).
func NewTracker(healthCfg health.TrackerConfig, opts ...health.TrackerOption) *Tracker {
	return &Tracker{
		stats:   stats.NewCollector(),
		health:  health.NewTracker(healthCfg, opts...),
		records: make(map[ensemble.ModelID]ensemble.ReliabilityRecord),
	}
}

// Record logs the outcome of one dispatch to a model and refreshes its
// ReliabilityRecord. Call this once per RoleResponse as it comes back from
// the Parallel Dispatcher.
func (t *Tracker) Record(modelID ensemble.ModelID, providerID string, success bool, latencyMs float64, costUSD float64, inputTokens, outputTokens int) {
	t.stats.Record(stats.Snapshot{
		ModelID:      string(modelID),
		ProviderID:   providerID,
		LatencyMs:    latencyMs,
		CostUSD:      costUSD,
		Success:      success,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})

	if success {
		t.health.RecordSuccess(string(modelID), latencyMs)
	} else {
		t.health.RecordError(string(modelID), "dispatch failure")
	}

	t.refresh(modelID)
}

// refresh recomputes the cached ReliabilityRecord for modelID from the 24h
// window of the stats collector. Called after every Record so Get never
// pays aggregation cost on the read path.
func (t *Tracker) refresh(modelID ensemble.ModelID) {
	summary := t.stats.Summary()
	rec := ensemble.ReliabilityRecord{ModelID: modelID, Uptime24h: 1, LastUpdated: time.Now().UTC()}

	for _, agg := range summary[historyWindow] {
		if agg.ModelID != string(modelID) {
			continue
		}
		rec.Uptime24h = 1 - agg.ErrorRate
		rec.AvgLatencyMs = agg.AvgLatencyMs
		rec.SampleCount = agg.RequestCount
		if agg.OutputTokens > 0 {
			rec.AvgCostPer1KOut = agg.TotalCostUSD / (float64(agg.OutputTokens) / 1000.0)
		}
		break
	}

	t.mu.Lock()
	t.records[modelID] = rec
	t.mu.Unlock()
}

// Get returns the most recently computed ReliabilityRecord for modelID. A
// model with no history yet gets a record with Uptime24h=1 (optimistic
// default, matching the teacher's "unknown provider is assumed available"
// convention in health.Tracker.IsAvailable) and AvgCostPer1KOut=0, which
// ReliabilityRecord.Weight treats as "cannot yet be weighted."
func (t *Tracker) Get(modelID ensemble.ModelID) ensemble.ReliabilityRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.records[modelID]; ok {
		return rec
	}
	return ensemble.ReliabilityRecord{ModelID: modelID, Uptime24h: 1, LastUpdated: time.Now().UTC()}
}

// IsAvailable reports whether modelID should currently receive dispatches.
// This is the fast consecutive-error signal, independent of the 24h window:
// a model that just failed 5 times in a row is taken out of rotation for its
// cooldown even though its 24h uptime may still look fine.
func (t *Tracker) IsAvailable(modelID ensemble.ModelID) bool {
	return t.health.IsAvailable(string(modelID))
}

// HealthState returns the consecutive-error state machine's current state
// for modelID, for admin/metrics reporting.
func (t *Tracker) HealthState(modelID ensemble.ModelID) health.State {
	return t.health.GetStats(string(modelID)).State
}

// Prune drops snapshots older than the collector's retention window. Call
// this from a periodic background loop, not the request path.
func (t *Tracker) Prune() {
	t.stats.Prune()
}
