package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ensemblehub/ensemblehub/internal/ensemble"
)

// reliabilitySnapshot is one model's admin-visible reliability record.
type reliabilitySnapshot struct {
	ModelID         string  `json:"model_id"`
	Uptime24h       float64 `json:"uptime_24h"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	AvgCostPer1KOut float64 `json:"avg_cost_per_1k_out"`
	SampleCount     int     `json:"sample_count"`
	HealthState     string  `json:"health_state"`
	Available       bool    `json:"available"`
}

// ReliabilityHandler reports the ensemble pipeline's per-model reliability
// snapshots (24h uptime, latency, cost) and fast-trip availability, so
// operators can see why the model selector is favoring or avoiding a model
// without waiting on the full 24h stats window to surface it elsewhere.
func ReliabilityHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Orchestrator == nil || d.Orchestrator.Reliability == nil {
			jsonError(w, "reliability tracker not configured", http.StatusServiceUnavailable)
			return
		}
		rel := d.Orchestrator.Reliability
		models := d.Engine.ListModels()
		out := make([]reliabilitySnapshot, 0, len(models))
		for _, m := range models {
			id := ensemble.ModelID(m.ID)
			rec := rel.Get(id)
			out = append(out, reliabilitySnapshot{
				ModelID:         m.ID,
				Uptime24h:       rec.Uptime24h,
				AvgLatencyMs:    rec.AvgLatencyMs,
				AvgCostPer1KOut: rec.AvgCostPer1KOut,
				SampleCount:     rec.SampleCount,
				HealthState:     string(rel.HealthState(id)),
				Available:       rel.IsAvailable(id),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"models": out})
	}
}
