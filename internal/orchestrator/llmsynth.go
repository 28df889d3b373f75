package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ensemblehub/ensemblehub/internal/ensemble"
	"github.com/ensemblehub/ensemblehub/internal/router"
	"github.com/ensemblehub/ensemblehub/internal/synthesis"
)

// LLMAdapter implements synthesis.Synthesizer and voting.MetaVoter over a
// single configured model sent through *router.Engine, so the final
// reconciliation call and the near-tie meta-vote both go through the same
// provider plumbing every per-role response already uses.
type LLMAdapter struct {
	Engine  *router.Engine
	ModelID string
}

// Synthesize issues one synthesis/improvement call and returns its content.
func (a *LLMAdapter) Synthesize(ctx context.Context, req synthesis.Request) (string, error) {
	if a == nil || a.Engine == nil || a.ModelID == "" {
		return "", fmt.Errorf("llm adapter not configured")
	}
	model, ok := a.Engine.GetModel(a.ModelID)
	if !ok {
		return "", fmt.Errorf("synthesis model %q not registered", a.ModelID)
	}
	adapter := a.Engine.GetAdapter(model.ProviderID)
	if adapter == nil {
		return "", fmt.Errorf("no adapter for provider %q", model.ProviderID)
	}

	var sb strings.Builder
	sb.WriteString(req.Instructions)
	sb.WriteString("\n\n")
	for _, s := range req.Sources {
		if !s.Ok() {
			continue
		}
		fmt.Fprintf(&sb, "--- response from %s ---\n%s\n\n", s.ModelID, s.Content)
	}

	providerReq := router.Request{
		Messages: []router.Message{
			{Role: "system", Content: sb.String()},
			{Role: "user", Content: lastUserMessage(req.Prompt)},
		},
		EstimatedInputTokens: req.MaxTokens,
	}
	_, resp, err := a.Engine.SendToModel(ctx, a.ModelID, providerReq)
	if err != nil {
		return "", fmt.Errorf("synthesis call to %s: %w", a.ModelID, err)
	}
	content := router.ExtractContent(resp)
	if content == "" {
		return "", fmt.Errorf("synthesis call to %s returned empty content", a.ModelID)
	}
	return content, nil
}

// Decide asks the configured model to pick the best candidate role by ID,
// per the spec's meta-voter tie-break. It returns the first candidate, in
// candidate order, whose ID appears in the reply; if the call fails or the
// reply names no candidate it returns an error so the caller keeps the
// algorithmic winner.
func (a *LLMAdapter) Decide(ctx context.Context, prompt ensemble.Prompt, candidates []ensemble.RoleResponse) (ensemble.ModelID, error) {
	if a == nil || a.Engine == nil || a.ModelID == "" {
		return "", fmt.Errorf("llm adapter not configured")
	}
	model, ok := a.Engine.GetModel(a.ModelID)
	if !ok {
		return "", fmt.Errorf("meta-voter model %q not registered", a.ModelID)
	}
	if a.Engine.GetAdapter(model.ProviderID) == nil {
		return "", fmt.Errorf("no adapter for provider %q", model.ProviderID)
	}

	var sb strings.Builder
	sb.WriteString("Several models produced near-tied answers to the same prompt. ")
	sb.WriteString("Reply with the exact model ID of the single best answer, nothing else.\n\n")
	for _, c := range candidates {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", c.ModelID, c.Content)
	}

	providerReq := router.Request{
		Messages: []router.Message{
			{Role: "system", Content: sb.String()},
			{Role: "user", Content: lastUserMessage(prompt)},
		},
	}
	_, resp, err := a.Engine.SendToModel(ctx, a.ModelID, providerReq)
	if err != nil {
		return "", fmt.Errorf("meta-voter call to %s: %w", a.ModelID, err)
	}
	picked := strings.TrimSpace(router.ExtractContent(resp))
	for _, c := range candidates {
		if strings.Contains(picked, string(c.ModelID)) {
			return c.ModelID, nil
		}
	}
	return "", fmt.Errorf("meta-voter response %q did not name a candidate", picked)
}
