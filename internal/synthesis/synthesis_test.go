package synthesis_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemblehub/ensemblehub/internal/ensemble"
	"github.com/ensemblehub/ensemblehub/internal/synthesis"
)

type stubSynthesizer struct {
	content string
	err     error
	calls   int
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, req synthesis.Request) (string, error) {
	s.calls++
	return s.content, s.err
}

func testPrompt() ensemble.Prompt {
	return ensemble.Prompt{
		Category: ensemble.CategoryExplanatory,
		Messages: []ensemble.Message{{Role: "user", Content: "explain microservices"}},
	}
}

func okSources() []ensemble.RoleResponse {
	return []ensemble.RoleResponse{
		{ModelID: "m1", Content: "microservices split an app into independent services", Confidence: ensemble.ConfidenceScore{Calibrated: 0.8}},
		{ModelID: "m2", Content: "a monolith bundles everything into one deployable unit", Confidence: ensemble.ConfidenceScore{Calibrated: 0.6}},
	}
}

func TestSynthesize_HappyPath(t *testing.T) {
	synth := &stubSynthesizer{content: "## Microservices vs Monoliths\n\nMicroservices decompose an app; monoliths bundle it, for example into one deployable unit. Therefore teams choose based on scale."}
	result := synthesis.Synthesize(context.Background(), synthesis.DefaultConfig(), synth, testPrompt(), okSources(), ensemble.VotingResult{}, synthesis.ComplexityMedium)

	assert.Equal(t, ensemble.StageInitial, result.Stage)
	assert.NotEmpty(t, result.Content)
	assert.GreaterOrEqual(t, result.FinalQuality.Overall, 0.0)
	assert.LessOrEqual(t, result.FinalQuality.Overall, 1.0)
	assert.Len(t, result.SourcesUsed, 2)
	assert.Equal(t, 1, synth.calls)
}

func TestSynthesize_LowQualityTriggersOneImprovementRound(t *testing.T) {
	synth := &stubSynthesizer{content: "no"}
	result := synthesis.Synthesize(context.Background(), synthesis.DefaultConfig(), synth, testPrompt(), okSources(), ensemble.VotingResult{}, synthesis.ComplexityMedium)

	assert.Equal(t, 2, synth.calls, "a low-quality initial synthesis should trigger exactly one improvement call")
	assert.LessOrEqual(t, result.Iterations, 2)
}

func TestSynthesize_SynthesizerErrorFallsBackToBestResponse(t *testing.T) {
	synth := &stubSynthesizer{err: errors.New("provider down")}
	sources := okSources()
	result := synthesis.Synthesize(context.Background(), synthesis.DefaultConfig(), synth, testPrompt(), sources, ensemble.VotingResult{}, synthesis.ComplexityMedium)

	require.Equal(t, ensemble.StageFallback, result.Stage)
	assert.Equal(t, ensemble.ModelID("m1"), result.ModelID, "fallback must pick the highest-confidence source")
	assert.Equal(t, sources[0].Content, result.Content)
}

func TestSynthesize_AllRolesFailedReturnsUnableToRespond(t *testing.T) {
	synth := &stubSynthesizer{content: "should not be reached"}
	sources := []ensemble.RoleResponse{
		{ModelID: "m1", Err: errors.New("dispatch failure")},
	}
	result := synthesis.Synthesize(context.Background(), synthesis.DefaultConfig(), synth, testPrompt(), sources, ensemble.VotingResult{}, synthesis.ComplexityMedium)

	assert.Equal(t, ensemble.StageFallback, result.Stage)
	assert.InDelta(t, 0.1, result.FinalQuality.Overall, 1e-9)
	assert.Equal(t, 0, synth.calls)
}

func TestSynthesize_NilSynthesizerFallsBack(t *testing.T) {
	result := synthesis.Synthesize(context.Background(), synthesis.DefaultConfig(), nil, testPrompt(), okSources(), ensemble.VotingResult{}, synthesis.ComplexityMedium)
	assert.Equal(t, ensemble.StageFallback, result.Stage)
}

func TestSynthesize_QualityAlwaysInUnitInterval(t *testing.T) {
	synth := &stubSynthesizer{content: "a reasonably complete answer with some structure and detail, for example numbers like 42"}
	result := synthesis.Synthesize(context.Background(), synthesis.DefaultConfig(), synth, testPrompt(), okSources(), ensemble.VotingResult{}, synthesis.ComplexityHigh)
	assert.GreaterOrEqual(t, result.FinalQuality.Overall, 0.0)
	assert.LessOrEqual(t, result.FinalQuality.Overall, 1.0)
}
