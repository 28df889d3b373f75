package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ensemblehub/ensemblehub/internal/admission"
	"github.com/ensemblehub/ensemblehub/internal/apikey"
	"github.com/ensemblehub/ensemblehub/internal/orchestrator"
)

// ensembleRequest is the wire shape of the §6 boundary request.
type ensembleRequest struct {
	Prompt        string `json:"prompt"`
	UserID        string `json:"user_id"`
	SessionID     string `json:"session_id,omitempty"`
	Explain       bool   `json:"explain,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Tier          string `json:"tier,omitempty"`
}

// errorEnvelope is the §7 error response shape.
type errorEnvelope struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
	Timestamp     string `json:"timestamp"`
}

// EnsembleHandler handles POST /v1/ensemble: decodes the boundary request,
// resolves a tier, and runs it through the orchestrator's ten-stage
// pipeline. An authenticated API key's monthly budget picks the tier when
// the caller doesn't supply one; anonymous callers default to free.
func EnsembleHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Orchestrator == nil {
			jsonError(w, "ensemble orchestrator not configured", http.StatusServiceUnavailable)
			return
		}

		var req ensembleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Prompt == "" {
			jsonError(w, "prompt required", http.StatusBadRequest)
			return
		}

		tier := admission.Tier(req.Tier)
		if tier == "" {
			tier = tierForRequest(r)
		}

		resp, err := d.Orchestrator.Handle(r.Context(), orchestrator.Request{
			Prompt:        req.Prompt,
			UserID:        req.UserID,
			SessionID:     req.SessionID,
			Explain:       req.Explain,
			CorrelationID: req.CorrelationID,
			Tier:          tier,
		})
		if err != nil {
			writeEnsembleError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// tierForRequest derives a tier from the authenticated API key's monthly
// budget (a positive budget implies a paid, premium caller); unauthenticated
// or zero-budget callers get the free tier.
func tierForRequest(r *http.Request) admission.Tier {
	if rec := apikey.FromContext(r.Context()); rec != nil && rec.MonthlyBudgetUSD > 0 {
		return admission.TierPremium
	}
	return admission.TierFree
}

func writeEnsembleError(w http.ResponseWriter, err error) {
	reqErr, ok := err.(*orchestrator.RequestError)
	if !ok {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reqErr.Status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Status:        "error",
		Message:       reqErr.Message,
		CorrelationID: reqErr.CorrelationID,
		Timestamp:     nowRFC3339(),
	})
}
